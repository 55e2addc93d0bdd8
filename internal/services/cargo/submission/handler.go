// Package submission turns a submitted drawing into a stored cargo and
// announces it to connected viewers.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
	"github.com/louisbranch/cargo.space/internal/platform/otel"
	"github.com/louisbranch/cargo.space/internal/platform/requestctx"
	"github.com/louisbranch/cargo.space/internal/platform/timeouts"
	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"github.com/louisbranch/cargo.space/internal/services/cargo/texture"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PersistFailureMessage is the client-facing message for every store failure.
const PersistFailureMessage = "fail to upload"

// Form is one submission as received from a client.
type Form struct {
	DrawDuration string
	CargoType    string
	// PaintRef is a data: or http(s) URL. It is ignored when PaintUpload is
	// set.
	PaintRef    string
	PaintUpload []byte
}

// Store is the persistence dependency of a Handler.
type Store interface {
	CreateCargo(ctx context.Context, cargo storage.NewCargo) (storage.Cargo, error)
}

// Broadcaster fans an event out to connected viewers and reports how many
// received it.
type Broadcaster interface {
	Broadcast(ctx context.Context, event any) int
}

// Materializer derives a texture from paint bytes.
type Materializer interface {
	Materialize(raw []byte, cargoType domain.Type) ([]byte, error)
}

// Fetcher resolves a paint reference to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Handler runs the submission pipeline.
type Handler struct {
	store          Store
	broadcaster    Broadcaster
	materializer   Materializer
	fetcher        Fetcher
	logger         *zap.Logger
	tracer         trace.Tracer
	fetchTimeout   time.Duration
	persistTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaterializer replaces texture.Default.
func WithMaterializer(m Materializer) Option {
	return func(h *Handler) {
		if m != nil {
			h.materializer = m
		}
	}
}

// WithFetcher replaces the default reference fetcher.
func WithFetcher(f Fetcher) Option {
	return func(h *Handler) {
		if f != nil {
			h.fetcher = f
		}
	}
}

// WithTimeouts overrides the fetch and persist deadlines. Zero keeps the
// default.
func WithTimeouts(fetch, persist time.Duration) Option {
	return func(h *Handler) {
		if fetch > 0 {
			h.fetchTimeout = fetch
		}
		if persist > 0 {
			h.persistTimeout = persist
		}
	}
}

// NewHandler wires a submission handler.
func NewHandler(store Store, broadcaster Broadcaster, logger *zap.Logger, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		store:          store,
		broadcaster:    broadcaster,
		materializer:   texture.Default,
		fetcher:        NewRefFetcher(nil, MaxPaintBytes),
		logger:         logger.Named("submission"),
		tracer:         otel.Tracer("services/cargo/submission"),
		fetchTimeout:   timeouts.PaintFetch,
		persistTimeout: timeouts.Persist,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type parsed struct {
	drawDuration int
	cargoType    domain.Type
}

func parseForm(form Form) (parsed, error) {
	duration, err := domain.ParseDrawDuration(form.DrawDuration)
	if err != nil {
		return parsed{}, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err)
	}
	cargoType, err := domain.ParseType(form.CargoType)
	if err != nil {
		return parsed{}, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err)
	}
	if len(form.PaintUpload) == 0 && form.PaintRef == "" {
		return parsed{}, apperrors.New(apperrors.CodeValidation, "paint is required")
	}
	return parsed{drawDuration: duration, cargoType: cargoType}, nil
}

// Submit validates form, fetches its paint once, derives the texture,
// persists the record and broadcasts a cargo event with a texture URL under
// origin. Nothing is persisted on a validation, fetch or decode failure, and
// nothing is broadcast unless persistence succeeded.
func (h *Handler) Submit(ctx context.Context, form Form, origin string) (storage.Cargo, error) {
	ctx, span := h.tracer.Start(ctx, "submission.Submit")
	defer span.End()

	cargo, err := h.submit(ctx, form, origin, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		return storage.Cargo{}, err
	}
	return cargo, nil
}

func (h *Handler) submit(ctx context.Context, form Form, origin string, span trace.Span) (storage.Cargo, error) {
	logger := h.logger
	if requestID := requestctx.RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With(zap.String("request_id", requestID))
	}

	input, err := parseForm(form)
	if err != nil {
		logger.Info("submission rejected", zap.Error(err))
		return storage.Cargo{}, err
	}
	span.SetAttributes(
		attribute.String("cargo.type", string(input.cargoType)),
		attribute.Int("cargo.draw_duration", input.drawDuration),
	)

	paint, err := h.fetchPaint(ctx, form)
	if err != nil {
		logger.Warn("paint fetch failed", zap.Error(err))
		return storage.Cargo{}, err
	}
	span.SetAttributes(attribute.Int("cargo.paint_bytes", len(paint)))

	tex, err := h.materializer.Materialize(paint, input.cargoType)
	if err != nil {
		logger.Info("paint could not be materialized", zap.String("cargo_type", string(input.cargoType)), zap.Error(err))
		var decodeErr *texture.DecodeError
		if errors.As(err, &decodeErr) {
			return storage.Cargo{}, apperrors.Wrap(apperrors.CodeDecode, "paint is not a readable image", err)
		}
		return storage.Cargo{}, apperrors.Wrap(apperrors.CodeUnknown, "texture could not be created", err)
	}

	cargo, err := h.persist(ctx, storage.NewCargo{
		DrawDuration: input.drawDuration,
		Type:         input.cargoType,
		Status:       domain.StatusShipping,
		Paint:        paint,
		Texture:      tex,
	})
	if err != nil {
		logger.Error("cargo persist failed",
			zap.String("cargo_type", string(input.cargoType)),
			zap.Error(err),
		)
		return storage.Cargo{}, apperrors.Wrap(apperrors.CodePersist, PersistFailureMessage, err)
	}
	span.SetAttributes(attribute.String("cargo.id", cargo.ID))

	// A persisted cargo is always announced, even if the submitter went away.
	delivered := h.broadcaster.Broadcast(context.WithoutCancel(ctx), domain.NewCargoEvent(cargo.ID, cargo.Type, origin))
	logger.Info("cargo submitted",
		zap.String("id", cargo.ID),
		zap.String("cargo_type", string(cargo.Type)),
		zap.Int("draw_duration", cargo.DrawDuration),
		zap.Int("delivered", delivered),
	)
	return cargo, nil
}

func (h *Handler) fetchPaint(ctx context.Context, form Form) ([]byte, error) {
	if len(form.PaintUpload) > 0 {
		if len(form.PaintUpload) > MaxPaintBytes {
			return nil, apperrors.New(apperrors.CodeFetch, fmt.Sprintf("paint exceeds %d bytes", MaxPaintBytes))
		}
		return form.PaintUpload, nil
	}
	ctx, span := h.tracer.Start(ctx, "submission.fetch")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()

	paint, err := h.fetcher.Fetch(ctx, form.PaintRef)
	if err != nil {
		span.RecordError(err)
		if apperrors.CodeOf(err) == apperrors.CodeUnknown {
			err = apperrors.Wrap(apperrors.CodeFetch, "paint could not be fetched", err)
		}
		return nil, err
	}
	return paint, nil
}

func (h *Handler) persist(ctx context.Context, input storage.NewCargo) (storage.Cargo, error) {
	ctx, span := h.tracer.Start(ctx, "submission.persist")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.persistTimeout)
	defer cancel()

	cargo, err := h.store.CreateCargo(ctx, input)
	if err != nil {
		span.RecordError(err)
		return storage.Cargo{}, err
	}
	return cargo, nil
}
