package submission

import (
	"errors"
	"mime"
	"net/http"

	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
	"github.com/louisbranch/cargo.space/internal/platform/httpx"
)

// maxFormBytes leaves room for the non-file fields around a full paint.
const maxFormBytes = MaxPaintBytes + 1<<20

// HTTPHandler adapts Handler to POST form submissions.
type HTTPHandler struct {
	handler *Handler
	origins httpx.OriginPolicy
	next    http.Handler
}

// NewHTTPHandler returns an http.Handler for form posts. origins decides the
// origin used in broadcast texture URLs.
func NewHTTPHandler(handler *Handler, origins httpx.OriginPolicy) *HTTPHandler {
	h := &HTTPHandler{handler: handler, origins: origins}
	h.next = httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.submit))
	return h
}

// ServeHTTP accepts multipart or urlencoded forms with draw_duration,
// cargo_type and paint fields. paint may be a file part or a reference.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *HTTPHandler) submit(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	cargo, err := h.handler.Submit(httpx.RequestContext(r), form, h.origins.Origin(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, cargo)
}

func readForm(w http.ResponseWriter, r *http.Request) (Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var form Form
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxPaintBytes); err != nil {
			return Form{}, formError(err)
		}
		file, _, err := r.FormFile("paint")
		switch {
		case err == nil:
			defer file.Close()
			data, err := ReadLimited(file, MaxPaintBytes)
			if err != nil {
				return Form{}, err
			}
			form.PaintUpload = data
		case errors.Is(err, http.ErrMissingFile):
			form.PaintRef = r.FormValue("paint")
		default:
			return Form{}, formError(err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return Form{}, formError(err)
		}
		form.PaintRef = r.PostFormValue("paint")
	}
	form.DrawDuration = r.FormValue("draw_duration")
	form.CargoType = r.FormValue("cargo_type")
	return form, nil
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.Wrap(apperrors.CodeValidation, "submission is too large", err)
	}
	return apperrors.Wrap(apperrors.CodeValidation, "submission form is malformed", err)
}
