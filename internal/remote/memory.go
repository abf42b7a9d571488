package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Op names a Memory operation for failure injection.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpList   Op = "list"
	OpDelete Op = "delete"
)

// Memory is an in-process Client. Version tags are SHA-256 hex digests of the content.
type Memory struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[Op]error
	once     map[Op]error
	calls    map[Op]int
	written  []string
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		files:    make(map[string][]byte),
		failures: make(map[Op]error),
		once:     make(map[Op]error),
		calls:    make(map[Op]int),
	}
}

// ContentTag returns the version tag Memory assigns to content.
func ContentTag(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put stores a file directly, bypassing version checks.
func (m *Memory) Put(path string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
	return ContentTag(content)
}

// Get returns the stored content of path.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return append([]byte(nil), data...), ok
}

// Paths returns all stored file paths in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Fail makes every later call of op return err; a nil err clears it.
func (m *Memory) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// FailOnce makes only the next call of op return err.
func (m *Memory) FailOnce(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.once[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Written returns the paths written through WriteFile, in order.
func (m *Memory) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

// ResetWritten clears the write log.
func (m *Memory) ResetWritten() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = nil
}

func (m *Memory) begin(op Op) error {
	m.calls[op]++
	if err, ok := m.once[op]; ok {
		delete(m.once, op)
		return err
	}
	return m.failures[op]
}

func (m *Memory) ReadFile(ctx context.Context, path string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpRead); err != nil {
		return nil, err
	}
	data, ok := m.files[path]
	if !ok {
		return nil, nil
	}
	return &File{Path: path, Content: append([]byte(nil), data...), VersionTag: ContentTag(data)}, nil
}

func (m *Memory) WriteFile(ctx context.Context, path string, content []byte, expectedTag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpWrite); err != nil {
		return "", err
	}
	current, exists := m.files[path]
	switch {
	case expectedTag == "" && exists:
		return "", fmt.Errorf("write %s: file already exists: %w", path, ErrConflict)
	case expectedTag != "" && (!exists || ContentTag(current) != expectedTag):
		return "", fmt.Errorf("write %s: %w", path, ErrConflict)
	}
	m.files[path] = append([]byte(nil), content...)
	m.written = append(m.written, path)
	return ContentTag(content), nil
}

func (m *Memory) ListDirectory(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]bool)
	var entries []Entry
	for p, data := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			if !seen[name] {
				seen[name] = true
				entries = append(entries, Entry{Path: prefix + name, Name: name, IsDir: true})
			}
			continue
		}
		entries = append(entries, Entry{Path: p, Name: rest, VersionTag: ContentTag(data)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Memory) DeleteFile(ctx context.Context, path, versionTag string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDelete); err != nil {
		return err
	}
	current, ok := m.files[path]
	if !ok {
		return nil
	}
	if ContentTag(current) != versionTag {
		return fmt.Errorf("delete %s: %w", path, ErrConflict)
	}
	delete(m.files, path)
	return nil
}
