// Package catalog keeps an index of capture sessions: where each log lives,
// its layout, and how the session ended.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/posecap/recorder/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

// Session is one catalog entry.
type Session struct {
	ID              string         `json:"id"`
	Path            string         `json:"path"`
	NMarkers        int            `json:"nMarkers"`
	RecordSize      int            `json:"recordSize"`
	State           string         `json:"state"`
	FramesAcquired  int64          `json:"framesAcquired"`
	FirstFrameIndex *int32         `json:"firstFrameIndex,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	Error           string         `json:"error,omitempty"`
	Header          map[string]any `json:"header,omitempty"`
}

// Backend is the interface all catalog implementations satisfy
type Backend interface {
	Init() error
	Close() error

	// Register adds a new session. Registering an existing id is an error.
	Register(s *Session) error
	// Update overwrites the stored entry with the same id.
	Update(s *Session) error
	Get(id string) (*Session, error)
	// List returns sessions ordered by start time.
	List() ([]Session, error)
}

// NewBackend creates a catalog backend based on configuration
func NewBackend(cfg config.CatalogConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemory(cfg.Memory), nil
	case "sqlite":
		db, err := OpenSqlite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite catalog: %w", err)
		}
		return NewGorm(db, log), nil
	case "postgres":
		db, err := OpenPostgres(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres catalog: %w", err)
		}
		return NewGorm(db, log), nil
	default:
		return nil, fmt.Errorf("unknown catalog type: %s", cfg.Type)
	}
}
