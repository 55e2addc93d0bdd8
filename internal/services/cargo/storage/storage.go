// Package storage defines persistence contracts for cargo records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
)

// ErrNotFound indicates a requested cargo record is missing.
var ErrNotFound = errors.New("record not found")

// Cargo is one persisted submission. Attachments are loaded separately
// through GetPaint and GetTexture.
type Cargo struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created"`
	DrawDuration int           `json:"draw_duration"`
	Type         domain.Type   `json:"cargo_type"`
	Status       domain.Status `json:"status"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Pending      bool          `json:"pending"`
}

// NewCargo is the input for CreateCargo.
type NewCargo struct {
	DrawDuration int
	Type         domain.Type
	Status       domain.Status
	Paint        []byte
	Texture      []byte
}

// TextInfo is the generated or user-supplied name and description of a cargo.
type TextInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CargoStore persists cargo records and their attachments.
type CargoStore interface {
	CreateCargo(ctx context.Context, cargo NewCargo) (Cargo, error)
	GetCargo(ctx context.Context, id string) (Cargo, error)
	ListLatestCargoes(ctx context.Context, limit int) ([]Cargo, error)
	ListCargoesSince(ctx context.Context, since time.Time) ([]Cargo, error)
	GetTexture(ctx context.Context, id string) ([]byte, error)
	GetPaint(ctx context.Context, id string) ([]byte, error)
	UpdateTextInfo(ctx context.Context, info TextInfo) error
	DeliverShipped(ctx context.Context, before time.Time) ([]string, error)
	LaunchDelivered(ctx context.Context) (int, error)
	ListUndescribed(ctx context.Context, limit int) ([]Cargo, error)
	SetPending(ctx context.Context, id string, pending bool) error
}

// Backuper is implemented by stores that can snapshot themselves to a
// directory. It returns the written file path.
type Backuper interface {
	Backup(ctx context.Context, dir string) (string, error)
}

// ValidateNewCargo checks the fields every backend requires.
func ValidateNewCargo(cargo NewCargo) error {
	if !cargo.Type.Valid() {
		return errors.New("cargo type is invalid")
	}
	if cargo.DrawDuration < 0 || cargo.DrawDuration > domain.MaxDrawDuration {
		return errors.New("draw duration is out of range")
	}
	if len(cargo.Paint) == 0 {
		return errors.New("paint is required")
	}
	if len(cargo.Texture) == 0 {
		return errors.New("texture is required")
	}
	if cargo.Status != "" {
		if _, err := domain.ParseStatus(string(cargo.Status)); err != nil {
			return err
		}
	}
	return nil
}
