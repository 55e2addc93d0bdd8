package server

import (
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/louisbranch/cargo.space/internal/platform/httpx"
	"github.com/louisbranch/cargo.space/internal/services/cargo/realtime"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"go.uber.org/zap"
)

// submitActionQuery is the form-action query the web client posts to "/".
const submitActionQuery = "/submit"

type routeDeps struct {
	store     storage.CargoStore
	registry  *realtime.Registry
	submitter http.Handler
	validID   func(string) bool
	now       func() time.Time
	logger    *zap.Logger
}

func newHandler(deps routeDeps) http.Handler {
	api := &cargoAPI{
		store:   deps.store,
		validID: deps.validID,
		now:     deps.now,
		logger:  deps.logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	})
	mux.Handle("/ws", deps.registry.Handler())

	mux.Handle("POST /api/cargo", gzhttp.GzipHandler(deps.submitter))
	mux.Handle("POST /{$}", gzhttp.GzipHandler(submitAction(deps.submitter)))
	mux.Handle("GET /api/cargo", gzhttp.GzipHandler(http.HandlerFunc(api.listLatest)))
	mux.Handle("GET /api/cargo/today", gzhttp.GzipHandler(http.HandlerFunc(api.listToday)))
	mux.Handle("GET /api/cargo/{id}", gzhttp.GzipHandler(http.HandlerFunc(api.getCargo)))
	mux.Handle("POST /api/cargo/info", gzhttp.GzipHandler(http.HandlerFunc(api.updateInfo)))
	mux.HandleFunc("GET /api/texture/{id}", api.texture)
	mux.HandleFunc("GET /api/paint/{id}", api.paint)

	return httpx.Chain(mux,
		httpx.RequestID(),
		httpx.AccessLog(deps.logger.Named("http")),
		httpx.RecoverPanic(deps.logger),
	)
}

// submitAction accepts only "POST /?/submit" and forwards it to submitter.
func submitAction(submitter http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()[submitActionQuery]; !ok {
			http.NotFound(w, r)
			return
		}
		submitter.ServeHTTP(w, r)
	})
}
