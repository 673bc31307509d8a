// Package storage persists wheel cycles and submitted-order keys between runs.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// JSONStorage keeps all cycle data in a single JSON file, rewritten atomically
// on every mutation.
type JSONStorage struct {
	data     *Data
	filepath string
	mu       sync.RWMutex
}

// Data is the on-disk document.
type Data struct {
	LastUpdated time.Time            `json:"last_updated"`
	Intents     map[string]time.Time `json:"intents"`
	Active      []models.WheelCycle  `json:"active_cycles"`
	History     []models.WheelCycle  `json:"history"`
}

func newData() *Data {
	return &Data{
		Intents: make(map[string]time.Time),
		Active:  make([]models.WheelCycle, 0),
		History: make([]models.WheelCycle, 0),
	}
}

// NewJSONStorage opens (or creates on first save) the file at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	s := &JSONStorage{filepath: path, data: newData()}
	if err := s.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading storage: %w", err)
	}
	return s, nil
}

// Load replaces in-memory state with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := newData()
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	if data.Intents == nil {
		data.Intents = make(map[string]time.Time)
	}
	for i := range data.Active {
		if err := data.Active[i].Validate(); err != nil {
			return fmt.Errorf("stored cycle rejected: %w", err)
		}
	}
	if err := checkSingleActive(data.Active); err != nil {
		return err
	}
	s.data = data
	return nil
}

// Save writes the document atomically.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding storage: %w", err)
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
	}
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.filepath)
}

func (s *JSONStorage) activeIndex(underlying string) int {
	for i := range s.data.Active {
		if strings.EqualFold(s.data.Active[i].Underlying, underlying) {
			return i
		}
	}
	return -1
}

// GetActiveCycle returns a copy of the underlying's non-closed cycle, or nil.
func (s *JSONStorage) GetActiveCycle(underlying string) *models.WheelCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.activeIndex(underlying); i >= 0 {
		return s.data.Active[i].Clone()
	}
	return nil
}

// GetActiveCycles returns copies of every active cycle, sorted by underlying.
func (s *JSONStorage) GetActiveCycles() []models.WheelCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WheelCycle, 0, len(s.data.Active))
	for i := range s.data.Active {
		out = append(out, *s.data.Active[i].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

// OpenCycle stores a newly activated cycle. Opening a second active cycle for
// an underlying is an invariant violation.
func (s *JSONStorage) OpenCycle(cycle *models.WheelCycle) error {
	if cycle == nil {
		return errors.New("nil cycle")
	}
	if !cycle.IsActive() {
		return fmt.Errorf("cycle %s must be active to open, stage %s", cycle.CycleID, cycle.Stage)
	}
	if err := cycle.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.activeIndex(cycle.Underlying); i >= 0 {
		return models.NewInvariantError(cycle.Underlying,
			"cannot open cycle %s while %s is %s", cycle.CycleID, s.data.Active[i].CycleID, s.data.Active[i].Stage)
	}
	s.data.Active = append(s.data.Active, *cycle.Clone())
	return s.saveLocked()
}

// UpdateCycle replaces an active cycle by id. A closed cycle moves to history.
func (s *JSONStorage) UpdateCycle(cycle *models.WheelCycle) error {
	if cycle == nil {
		return errors.New("nil cycle")
	}
	if err := cycle.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.data.Active {
		if s.data.Active[i].CycleID == cycle.CycleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrCycleNotFound, cycle.CycleID)
	}

	// stage the change; commit only once the single-active rule holds
	active := append([]models.WheelCycle(nil), s.data.Active...)
	history := s.data.History
	if cycle.Stage == models.StageClosed {
		active = append(active[:idx], active[idx+1:]...)
		history = append(history[:len(history):len(history)], *cycle.Clone())
	} else {
		active[idx] = *cycle.Clone()
	}
	if err := checkSingleActive(active); err != nil {
		return err
	}
	s.data.Active, s.data.History = active, history
	return s.saveLocked()
}

// CycleCount counts active and closed cycles for an underlying.
func (s *JSONStorage) CycleCount(underlying string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.data.Active {
		if strings.EqualFold(c.Underlying, underlying) {
			n++
		}
	}
	for _, c := range s.data.History {
		if strings.EqualFold(c.Underlying, underlying) {
			n++
		}
	}
	return n
}

// HasIntent reports whether an order with this idempotency key was submitted.
func (s *JSONStorage) HasIntent(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Intents[key]
	return ok
}

// RecordIntent remembers a submitted idempotency key.
func (s *JSONStorage) RecordIntent(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Intents[key] = at.UTC()
	return s.saveLocked()
}

// PruneIntents drops keys recorded before the cutoff, persists the result and
// returns how many went.
func (s *JSONStorage) PruneIntents(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, at := range s.data.Intents {
		if at.Before(before) {
			delete(s.data.Intents, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveLocked()
}

// GetHistory returns copies of closed cycles in close order.
func (s *JSONStorage) GetHistory() []models.WheelCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WheelCycle, 0, len(s.data.History))
	for i := range s.data.History {
		out = append(out, *s.data.History[i].Clone())
	}
	return out
}

// GetStatistics summarizes the history.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return computeStatistics(s.data.History)
}
