package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
	"github.com/louisbranch/cargo.space/internal/platform/httpx"
	"github.com/louisbranch/cargo.space/internal/platform/pagination"
	"github.com/louisbranch/cargo.space/internal/platform/timeouts"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

var latestLimit = pagination.LimitConfig{Default: 20, Max: 100}

const (
	maxNameRunes        = 80
	maxDescriptionRunes = 500
	maxInfoBodyBytes    = 16 << 10
	immutableCache      = "public, max-age=31536000, immutable"
)

type cargoAPI struct {
	store   storage.CargoStore
	validID func(string) bool
	now     func() time.Time
	logger  *zap.Logger
}

type cargoList struct {
	Items []storage.Cargo `json:"items"`
}

func (a *cargoAPI) listLatest(w http.ResponseWriter, r *http.Request) {
	limit, err := pagination.ParseLimit(r.URL.Query().Get("limit"), latestLimit)
	if err != nil {
		a.fail(w, r, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Persist)
	defer cancel()
	cargoes, err := a.store.ListLatestCargoes(ctx, limit)
	if err != nil {
		a.fail(w, r, apperrors.Wrap(apperrors.CodeUnknown, "could not list cargoes", err))
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, cargoList{Items: cargoes})
}

func (a *cargoAPI) listToday(w http.ResponseWriter, r *http.Request) {
	now := a.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Persist)
	defer cancel()
	cargoes, err := a.store.ListCargoesSince(ctx, midnight)
	if err != nil {
		a.fail(w, r, apperrors.Wrap(apperrors.CodeUnknown, "could not list cargoes", err))
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, cargoList{Items: cargoes})
}

func (a *cargoAPI) getCargo(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Persist)
	defer cancel()
	cargo, err := a.store.GetCargo(ctx, id)
	if err != nil {
		a.fail(w, r, storeError(err, "could not load cargo"))
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, cargo)
}

func (a *cargoAPI) updateInfo(w http.ResponseWriter, r *http.Request) {
	var info storage.TextInfo
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInfoBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&info); err != nil {
		a.fail(w, r, apperrors.Wrap(apperrors.CodeValidation, "text info body is malformed", err))
		return
	}
	info.ID = strings.TrimSpace(info.ID)
	info.Name = strings.TrimSpace(info.Name)
	info.Description = strings.TrimSpace(info.Description)
	switch {
	case !a.validID(info.ID):
		a.fail(w, r, apperrors.New(apperrors.CodeValidation, "id is invalid"))
		return
	case info.Name == "" || utf8.RuneCountInString(info.Name) > maxNameRunes:
		a.fail(w, r, apperrors.New(apperrors.CodeValidation, "name must be 1 to 80 characters"))
		return
	case utf8.RuneCountInString(info.Description) > maxDescriptionRunes:
		a.fail(w, r, apperrors.New(apperrors.CodeValidation, "description must be at most 500 characters"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Persist)
	defer cancel()
	if err := a.store.UpdateTextInfo(ctx, info); err != nil {
		a.fail(w, r, storeError(err, "could not update cargo"))
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, info)
}

func (a *cargoAPI) texture(w http.ResponseWriter, r *http.Request) {
	a.serveBlob(w, r, a.store.GetTexture, "image/jpeg")
}

func (a *cargoAPI) paint(w http.ResponseWriter, r *http.Request) {
	a.serveBlob(w, r, a.store.GetPaint, "")
}

// serveBlob writes an attachment with a content-hash ETag. An empty
// contentType is sniffed from the bytes.
func (a *cargoAPI) serveBlob(w http.ResponseWriter, r *http.Request, load func(context.Context, string) ([]byte, error), contentType string) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Persist)
	defer cancel()
	data, err := load(ctx, id)
	if err != nil {
		a.fail(w, r, storeError(err, "could not load attachment"))
		return
	}

	etag := ETag(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", immutableCache)
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *cargoAPI) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !a.validID(id) {
		a.fail(w, r, apperrors.New(apperrors.CodeValidation, "id is invalid"))
		return "", false
	}
	return id, true
}

func (a *cargoAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.CodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpx.WriteError(w, err)
}

func storeError(err error, message string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeNotFound, "cargo not found", err)
	}
	return apperrors.Wrap(apperrors.CodeUnknown, message, err)
}

// ETag returns a strong entity tag for data derived from its BLAKE3 hash.
func ETag(data []byte) string {
	sum := blake3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
