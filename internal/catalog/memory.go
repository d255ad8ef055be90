package catalog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/posecap/recorder/internal/config"
)

// Memory keeps the catalog in memory and writes it out as JSON on Close.
type Memory struct {
	cfg config.MemoryConfig

	mu             sync.RWMutex
	sessions       map[string]*Session
	lastExportPath string
	now            func() time.Time
}

// NewMemory creates an in-memory catalog. With an empty OutputDir nothing is exported.
func NewMemory(cfg config.MemoryConfig) *Memory {
	return &Memory{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (m *Memory) Init() error {
	return nil
}

// Close exports the catalog when at least one session was registered.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.OutputDir == "" || len(m.sessions) == 0 {
		return nil
	}
	return m.exportLocked()
}

func (m *Memory) Register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) Update(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) List() ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(), nil
}

func (m *Memory) listLocked() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ExportedFilePath returns the file written by the last Close.
func (m *Memory) ExportedFilePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastExportPath
}

type catalogExport struct {
	ExportedAt time.Time `json:"exportedAt"`
	Sessions   []Session `json:"sessions"`
}

func (m *Memory) exportLocked() error {
	now := m.now().UTC()
	name := fmt.Sprintf("catalog_%s.json", now.Format("20060102_150405"))
	if m.cfg.CompressOutput {
		name += ".gz"
	}
	outputPath := filepath.Join(m.cfg.OutputDir, name)

	if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create catalog export: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if m.cfg.CompressOutput {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := json.NewEncoder(w).Encode(catalogExport{ExportedAt: now, Sessions: m.listLocked()}); err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}

	m.lastExportPath = outputPath
	return f.Sync()
}
