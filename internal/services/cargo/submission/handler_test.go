package submission

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
	"github.com/louisbranch/cargo.space/internal/platform/requestctx"
	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"github.com/louisbranch/cargo.space/internal/services/cargo/realtime"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"github.com/louisbranch/cargo.space/internal/services/cargo/texture"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/websocket"
)

type fakeStore struct {
	mu     sync.Mutex
	id     string
	err    error
	inputs []storage.NewCargo
}

func (s *fakeStore) CreateCargo(ctx context.Context, input storage.NewCargo) (storage.Cargo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input)
	if s.err != nil {
		return storage.Cargo{}, s.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return storage.Cargo{}, errors.New("persist called without deadline")
	}
	return storage.Cargo{
		ID:           s.id,
		CreatedAt:    time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC),
		DrawDuration: input.DrawDuration,
		Type:         input.Type,
		Status:       input.Status,
	}, nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []any
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, event any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return 3
}

func (b *fakeBroadcaster) sent() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.events...)
}

type countingFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (f *countingFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, f.err
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func dataURL(raw []byte, mediaType string) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

func newTestHandler(t *testing.T, store Store, broadcaster Broadcaster, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(store, broadcaster, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, &fakeBroadcaster{}, nil); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := NewHandler(&fakeStore{}, nil, nil); err == nil {
		t.Fatal("expected broadcaster error")
	}
}

func TestSubmitPersistsAndBroadcastsOnce(t *testing.T) {
	t.Parallel()

	paint := testPNG(t)
	store := &fakeStore{id: "abc123"}
	broadcaster := &fakeBroadcaster{}
	h := newTestHandler(t, store, broadcaster)

	cargo, err := h.Submit(context.Background(), Form{
		DrawDuration: "4200",
		CargoType:    "Cake",
		PaintRef:     dataURL(paint, "image/png"),
	}, "https://cargo.space")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cargo.ID != "abc123" {
		t.Fatalf("cargo id = %q, want %q", cargo.ID, "abc123")
	}

	want := []any{domain.CargoEvent{
		Type:      domain.EventTypeCargo,
		ID:        "abc123",
		CargoType: domain.TypeCake,
		Directory: "https://cargo.space/api/texture/abc123",
	}}
	if diff := cmp.Diff(want, broadcaster.sent()); diff != "" {
		t.Fatalf("broadcast mismatch (-want +got):\n%s", diff)
	}

	if store.calls() != 1 {
		t.Fatalf("persist calls = %d, want 1", store.calls())
	}
	input := store.inputs[0]
	if input.DrawDuration != 4200 || input.Type != domain.TypeCake || input.Status != domain.StatusShipping {
		t.Fatalf("persisted input = %+v", input)
	}
	if !bytes.Equal(input.Paint, paint) {
		t.Fatal("persisted paint differs from submitted bytes")
	}
	wantTexture, err := texture.Materialize(paint, domain.TypeCake)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !bytes.Equal(input.Texture, wantTexture) {
		t.Fatal("persisted texture differs from materialized paint")
	}
}

func TestSubmitFetchesPaintOnce(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{data: testPNG(t)}
	h := newTestHandler(t, &fakeStore{id: "one"}, &fakeBroadcaster{}, WithFetcher(fetcher))

	if _, err := h.Submit(context.Background(), Form{CargoType: "Book", PaintRef: "https://paint.example/a.png"}, "http://localhost"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls)
	}
}

func TestSubmitUploadSkipsFetch(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{err: errors.New("should not fetch")}
	store := &fakeStore{id: "up"}
	h := newTestHandler(t, store, &fakeBroadcaster{}, WithFetcher(fetcher))

	if _, err := h.Submit(context.Background(), Form{CargoType: "Toy", PaintUpload: testPNG(t)}, "http://localhost"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetch calls = %d, want 0", fetcher.calls)
	}
	if store.inputs[0].DrawDuration != 0 {
		t.Fatalf("draw duration = %d, want 0 for empty field", store.inputs[0].DrawDuration)
	}
}

func TestSubmitPersistFailureDoesNotBroadcast(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	store := &fakeStore{err: errors.New("backend unavailable")}
	broadcaster := &fakeBroadcaster{}
	h, err := NewHandler(store, broadcaster, zap.New(core))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	ctx := requestctx.WithRequestID(context.Background(), "req-7")
	_, err = h.Submit(ctx, Form{
		DrawDuration: "10",
		CargoType:    "Box",
		PaintRef:     dataURL(testPNG(t), "image/png"),
	}, "https://cargo.space")
	if got := apperrors.CodeOf(err); got != apperrors.CodePersist {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodePersist)
	}
	if got := apperrors.MessageOf(err, ""); got != PersistFailureMessage {
		t.Fatalf("message = %q, want %q", got, PersistFailureMessage)
	}
	if got := apperrors.CodeOf(err).HTTPStatus(); got != 500 {
		t.Fatalf("status = %d, want 500", got)
	}
	if n := len(broadcaster.sent()); n != 0 {
		t.Fatalf("broadcasts = %d, want 0", n)
	}
	entries := logs.FilterMessage("cargo persist failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected persist failure log, got %v", logs.All())
	}
	if got := entries[0].ContextMap()["request_id"]; got != "req-7" {
		t.Fatalf("request_id = %v, want req-7", got)
	}
}

func TestSubmitRejectsInvalidFormsBeforePersist(t *testing.T) {
	t.Parallel()

	paint := dataURL(testPNG(t), "image/png")
	cases := map[string]Form{
		"unknown type":      {CargoType: "Spaceship", PaintRef: paint},
		"lowercase type":    {CargoType: "cake", PaintRef: paint},
		"missing type":      {PaintRef: paint},
		"missing paint":     {CargoType: "Cake"},
		"negative duration": {DrawDuration: "-1", CargoType: "Cake", PaintRef: paint},
		"nan duration":      {DrawDuration: "NaN", CargoType: "Cake", PaintRef: paint},
		"huge duration":     {DrawDuration: "86400001", CargoType: "Cake", PaintRef: paint},
		"text duration":     {DrawDuration: "soon", CargoType: "Cake", PaintRef: paint},
		"bad scheme":        {CargoType: "Cake", PaintRef: "ftp://paint.example/a.png"},
	}
	for name, form := range cases {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{id: "never"}
			broadcaster := &fakeBroadcaster{}
			h := newTestHandler(t, store, broadcaster)

			_, err := h.Submit(context.Background(), form, "https://cargo.space")
			if got := apperrors.CodeOf(err); got != apperrors.CodeValidation {
				t.Fatalf("error code = %q, want %q (err=%v)", got, apperrors.CodeValidation, err)
			}
			if store.calls() != 0 {
				t.Fatalf("persist calls = %d, want 0", store.calls())
			}
			if len(broadcaster.sent()) != 0 {
				t.Fatal("expected no broadcast")
			}
		})
	}
}

func TestSubmitNonImageIsDecodeError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{id: "never"}
	broadcaster := &fakeBroadcaster{}
	h := newTestHandler(t, store, broadcaster)

	_, err := h.Submit(context.Background(), Form{
		CargoType: "Plant",
		PaintRef:  dataURL([]byte("<html>not an image</html>"), "text/html"),
	}, "https://cargo.space")
	var decodeErr *texture.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error = %v, want *texture.DecodeError", err)
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeDecode {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodeDecode)
	}
	if store.calls() != 0 {
		t.Fatalf("persist calls = %d, want 0", store.calls())
	}
	if len(broadcaster.sent()) != 0 {
		t.Fatal("expected no broadcast")
	}
}

func TestSubmitFetchFailureIsFetchError(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{err: errors.New("connection refused")}
	store := &fakeStore{id: "never"}
	h := newTestHandler(t, store, &fakeBroadcaster{}, WithFetcher(fetcher))

	_, err := h.Submit(context.Background(), Form{CargoType: "Cake", PaintRef: "https://paint.example/a.png"}, "")
	if got := apperrors.CodeOf(err); got != apperrors.CodeFetch {
		t.Fatalf("error code = %q, want %q", got, apperrors.CodeFetch)
	}
	if store.calls() != 0 {
		t.Fatalf("persist calls = %d, want 0", store.calls())
	}
}

func TestSubmitTruncatesFractionalDuration(t *testing.T) {
	t.Parallel()

	store := &fakeStore{id: "frac"}
	h := newTestHandler(t, store, &fakeBroadcaster{})
	if _, err := h.Submit(context.Background(), Form{DrawDuration: "1234.9", CargoType: "Bottle", PaintUpload: testPNG(t)}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := store.inputs[0].DrawDuration; got != 1234 {
		t.Fatalf("draw duration = %d, want 1234", got)
	}
}

type cancelingStore struct {
	*fakeStore
	cancel context.CancelFunc
}

func (s *cancelingStore) CreateCargo(ctx context.Context, input storage.NewCargo) (storage.Cargo, error) {
	cargo, err := s.fakeStore.CreateCargo(ctx, input)
	s.cancel()
	return cargo, err
}

func TestSubmitBroadcastsAfterSubmitterCancels(t *testing.T) {
	t.Parallel()

	registry := realtime.NewRegistry(nil)
	t.Cleanup(func() { _ = registry.Close() })
	srv := httptest.NewServer(registry.Handler())
	t.Cleanup(srv.Close)

	viewer, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), "", srv.URL)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { _ = viewer.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", registry.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelingStore{fakeStore: &fakeStore{id: "abc123"}, cancel: cancel}
	h := newTestHandler(t, store, registry)

	cargo, err := h.Submit(ctx, Form{
		CargoType: "Cake",
		PaintRef:  dataURL(testPNG(t), "image/png"),
	}, "https://cargo.space")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cargo.ID != "abc123" {
		t.Fatalf("cargo id = %q, want abc123", cargo.ID)
	}

	_ = viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event domain.CargoEvent
	if err := websocket.JSON.Receive(viewer, &event); err != nil {
		t.Fatalf("viewer receive: %v", err)
	}
	want := domain.NewCargoEvent("abc123", domain.TypeCake, "https://cargo.space")
	if event != want {
		t.Fatalf("event = %+v, want %+v", event, want)
	}
}
