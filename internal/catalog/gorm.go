package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionRecord is the table row for a Session.
type SessionRecord struct {
	gorm.Model
	SessionID       string `gorm:"uniqueIndex;size:64;not null"`
	Path            string `gorm:"size:1024"`
	NMarkers        int
	RecordSize      int
	State           string `gorm:"size:16;index"`
	FramesAcquired  int64
	FirstFrameIndex *int32
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      *time.Time
	Error           string
	Header          datatypes.JSONMap
}

func (SessionRecord) TableName() string {
	return "capture_sessions"
}

func toRecord(s *Session, rec *SessionRecord) {
	rec.SessionID = s.ID
	rec.Path = s.Path
	rec.NMarkers = s.NMarkers
	rec.RecordSize = s.RecordSize
	rec.State = s.State
	rec.FramesAcquired = s.FramesAcquired
	rec.FirstFrameIndex = s.FirstFrameIndex
	rec.StartedAt = s.StartedAt
	rec.FinishedAt = s.FinishedAt
	rec.Error = s.Error
	rec.Header = datatypes.JSONMap(s.Header)
}

func (rec *SessionRecord) toSession() Session {
	return Session{
		ID:              rec.SessionID,
		Path:            rec.Path,
		NMarkers:        rec.NMarkers,
		RecordSize:      rec.RecordSize,
		State:           rec.State,
		FramesAcquired:  rec.FramesAcquired,
		FirstFrameIndex: rec.FirstFrameIndex,
		StartedAt:       rec.StartedAt,
		FinishedAt:      rec.FinishedAt,
		Error:           rec.Error,
		Header:          map[string]any(rec.Header),
	}
}

// Gorm stores the catalog in a SQL database through GORM.
type Gorm struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewGorm wraps an open database.
func NewGorm(db *gorm.DB, log zerolog.Logger) *Gorm {
	return &Gorm{db: db, log: log}
}

// Init migrates the schema.
func (g *Gorm) Init() error {
	g.log.Info().Str("dialect", g.db.Dialector.Name()).Msg("Migrating catalog schema")
	if err := g.db.AutoMigrate(&SessionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	return nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *Gorm) Register(s *Session) error {
	var rec SessionRecord
	toRecord(s, &rec)
	if err := g.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to register session %s: %w", s.ID, err)
	}
	g.log.Debug().Str("session", s.ID).Str("path", s.Path).Msg("Session registered")
	return nil
}

func (g *Gorm) Update(s *Session) error {
	var rec SessionRecord
	if err := g.db.Where("session_id = ?", s.ID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
		}
		return err
	}

	toRecord(s, &rec)
	if err := g.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	g.log.Debug().Str("session", s.ID).Str("state", s.State).Int64("frames", s.FramesAcquired).Msg("Session updated")
	return nil
}

func (g *Gorm) Get(id string) (*Session, error) {
	var rec SessionRecord
	if err := g.db.Where("session_id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	s := rec.toSession()
	return &s, nil
}

func (g *Gorm) List() ([]Session, error) {
	var recs []SessionRecord
	if err := g.db.Order("started_at, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Session, len(recs))
	for i := range recs {
		out[i] = recs[i].toSession()
	}
	return out, nil
}
