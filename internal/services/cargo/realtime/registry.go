// Package realtime keeps the set of live viewer connections and fans cargo
// events out to them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
	"github.com/louisbranch/cargo.space/internal/platform/logging"
	"github.com/louisbranch/cargo.space/internal/platform/timeouts"
	"go.uber.org/zap"
)

// Close codes reported to Disconnect by the WebSocket transport.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// ErrRegistryClosed is returned by Open once the registry has been closed.
var ErrRegistryClosed = errors.New("session registry is closed")

// Conn is the outbound half of one live viewer connection.
type Conn interface {
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}

// Session is one registered connection. Writes to a session are serialized.
type Session struct {
	id       string
	openedAt time.Time

	mu   sync.Mutex
	conn Conn
}

// ID returns the registry-assigned session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) send(ctx context.Context, payload []byte) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("session write panicked: %v", recovered)
		}
	}()
	return s.conn.WriteMessage(ctx, payload)
}

// Registry tracks live sessions and broadcasts events to all of them.
type Registry struct {
	logger       *zap.Logger
	writeTimeout time.Duration

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithWriteTimeout bounds each per-session delivery.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.writeTimeout = timeout
		}
	}
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:       logging.OrNop(logger).Named("realtime"),
		writeTimeout: timeouts.SocketWrite,
		sessions:     make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers a new session for conn.
func (r *Registry) Open(conn Conn) (*Session, error) {
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	session := &Session{
		id:       uuid.NewString(),
		openedAt: time.Now().UTC(),
		conn:     conn,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.sessions[session] = struct{}{}
	size := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("socket opened", zap.String("session", session.id), zap.Int("clients", size))
	return session, nil
}

// Message records an inbound payload. Viewers are read-only, so nothing else
// happens.
func (r *Registry) Message(session *Session, payload []byte) {
	if session == nil {
		return
	}
	r.logger.Info("socket message received", zap.String("session", session.id), zap.ByteString("payload", payload))
}

// Disconnect removes session. Repeated calls for the same session are no-ops.
func (r *Registry) Disconnect(session *Session, code int, reason string) {
	if session == nil {
		return
	}
	r.mu.Lock()
	_, registered := r.sessions[session]
	delete(r.sessions, session)
	size := len(r.sessions)
	r.mu.Unlock()
	if !registered {
		return
	}

	r.logger.Info("socket closed",
		zap.String("session", session.id),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Duration("connected", time.Since(session.openedAt)),
		zap.Int("clients", size),
	)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast serializes event once and delivers it to every registered
// session concurrently. Failed deliveries are logged and skipped. It returns
// the number of sessions that accepted the event.
func (r *Registry) Broadcast(ctx context.Context, event any) int {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encode broadcast event", zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for session := range r.sessions {
		targets = append(targets, session)
	}
	r.mu.RUnlock()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, session := range targets {
		wg.Add(1)
		go func(session *Session) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			defer cancel()
			if err := session.send(sendCtx, payload); err != nil {
				deliveryErr := apperrors.Wrap(apperrors.CodeDelivery, "deliver event", err)
				r.logger.Warn("socket delivery failed", zap.String("session", session.id), zap.Error(deliveryErr))
				return
			}
			delivered.Add(1)
		}(session)
	}
	wg.Wait()

	r.logger.Debug("broadcast sent",
		zap.Int("clients", len(targets)),
		zap.Int64("delivered", delivered.Load()),
	)
	return int(delivered.Load())
}

// Close closes every session and rejects later registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[*Session]struct{})
	r.mu.Unlock()

	var errs []error
	for session := range sessions {
		if err := session.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", session.id, err))
		}
	}
	r.logger.Info("session registry closed", zap.Int("closed_sessions", len(sessions)))
	return errors.Join(errs...)
}
