package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	saveError     error
	loadError     error
	intents       map[string]time.Time
	active        map[string]*models.WheelCycle
	history       []models.WheelCycle
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		intents: make(map[string]time.Time),
		active:  make(map[string]*models.WheelCycle),
	}
}

func (m *MockStorage) GetActiveCycle(underlying string) *models.WheelCycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[strings.ToUpper(underlying)].Clone()
}

func (m *MockStorage) GetActiveCycles() []models.WheelCycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WheelCycle, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

func (m *MockStorage) OpenCycle(cycle *models.WheelCycle) error {
	if cycle == nil {
		return errors.New("nil cycle")
	}
	if !cycle.IsActive() {
		return fmt.Errorf("cycle %s must be active to open, stage %s", cycle.CycleID, cycle.Stage)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(cycle.Underlying)
	if prev, ok := m.active[key]; ok {
		return models.NewInvariantError(cycle.Underlying,
			"cannot open cycle %s while %s is %s", cycle.CycleID, prev.CycleID, prev.Stage)
	}
	m.active[key] = cycle.Clone()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) UpdateCycle(cycle *models.WheelCycle) error {
	if cycle == nil {
		return errors.New("nil cycle")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(cycle.Underlying)
	prev, ok := m.active[key]
	if !ok || prev.CycleID != cycle.CycleID {
		return fmt.Errorf("%w: %s", ErrCycleNotFound, cycle.CycleID)
	}
	if cycle.Stage == models.StageClosed {
		delete(m.active, key)
		m.history = append(m.history, *cycle.Clone())
	} else {
		m.active[key] = cycle.Clone()
	}
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) CycleCount(underlying string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if _, ok := m.active[strings.ToUpper(underlying)]; ok {
		n++
	}
	for _, c := range m.history {
		if strings.EqualFold(c.Underlying, underlying) {
			n++
		}
	}
	return n
}

func (m *MockStorage) HasIntent(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.intents[key]
	return ok
}

func (m *MockStorage) RecordIntent(key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[key] = at
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) PruneIntents(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, at := range m.intents {
		if at.Before(before) {
			delete(m.intents, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	m.saveCallCount++
	return n, m.saveError
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

func (m *MockStorage) GetHistory() []models.WheelCycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WheelCycle, 0, len(m.history))
	for i := range m.history {
		out = append(out, *m.history[i].Clone())
	}
	return out
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return computeStatistics(m.history)
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// AddHistoryCycle seeds a closed cycle.
func (m *MockStorage) AddHistoryCycle(c models.WheelCycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, *c.Clone())
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
