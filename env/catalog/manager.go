package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("invalid task")
)

// Manager handles task loading and caching. Tasks live at
// <dir>/<kind>/<index>.json.
type Manager struct {
	dir   string
	tasks map[string]json.RawMessage
	mu    sync.RWMutex
}

// NewManager creates a catalog rooted at dir. A missing directory is an
// error; an empty one is not.
func NewManager(dir string) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to stat catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog path is not a directory: %s", dir)
	}

	return &Manager{
		dir:   dir,
		tasks: make(map[string]json.RawMessage),
	}, nil
}

// Dir returns the catalog root.
func (m *Manager) Dir() string { return m.dir }

func cacheKey(kind string, index int) string {
	return kind + "/" + strconv.Itoa(index)
}

// Load returns the raw JSON of a task.
func (m *Manager) Load(kind string, index int) (json.RawMessage, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: %s/%d", ErrTaskNotFound, kind, index)
	}
	key := cacheKey(kind, index)

	m.mu.RLock()
	// Check cache first
	if raw, exists := m.tasks[key]; exists {
		m.mu.RUnlock()
		return raw, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if raw, exists := m.tasks[key]; exists {
		return raw, nil
	}

	data, err := os.ReadFile(m.path(kind, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, key)
		}
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidTask, key)
	}

	m.tasks[key] = data
	return data, nil
}

// LoadInto decodes a task into v.
func (m *Manager) LoadInto(kind string, index int, v any) error {
	raw, err := m.Load(kind, index)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTask, cacheKey(kind, index), err)
	}
	return nil
}

// List returns the task indices available for kind in ascending order.
func (m *Manager) List(kind string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || idx < 0 {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// Kinds lists the kinds that have a directory in the catalog.
func (m *Manager) Kinds() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}
	var kinds []string
	for _, entry := range entries {
		if entry.IsDir() {
			kinds = append(kinds, entry.Name())
		}
	}
	return kinds, nil
}

// Save writes a task to disk and caches it.
func (m *Manager) Save(kind string, index int, v any) error {
	if index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidTask, index)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(m.dir, kind), 0o755); err != nil {
		return fmt.Errorf("failed to create kind directory: %w", err)
	}
	if err := os.WriteFile(m.path(kind, index), data, 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	m.mu.Lock()
	m.tasks[cacheKey(kind, index)] = data
	m.mu.Unlock()
	return nil
}

// RefreshCache drops every cached task.
func (m *Manager) RefreshCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]json.RawMessage)
}

func (m *Manager) path(kind string, index int) string {
	return filepath.Join(m.dir, kind, strconv.Itoa(index)+".json")
}
