// Package remote reads and writes whole files in the repository that mirrors
// local data. Writes use a per-file version tag for optimistic concurrency.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured means no remote repository has been set up.
	ErrNotConfigured = errors.New("remote not configured")
	// ErrUnauthenticated means no credential is available or it was rejected.
	ErrUnauthenticated = errors.New("remote unauthenticated")
	// ErrConflict means the file changed since its version tag was read.
	ErrConflict = errors.New("remote version conflict")
	// ErrUnavailable covers network, timeout and server failures.
	ErrUnavailable = errors.New("remote unavailable")
)

// File is the content of a remote file together with its version tag.
type File struct {
	Path       string
	Content    []byte
	VersionTag string
}

// Entry is one item of a directory listing.
type Entry struct {
	Path       string
	Name       string
	VersionTag string
	IsDir      bool
}

// Client is the document-store capability the sync engine depends on.
type Client interface {
	// ReadFile returns the file at path, or nil without error when it does not exist.
	ReadFile(ctx context.Context, path string) (*File, error)
	// WriteFile creates or replaces a file. A non-empty expectedTag must match
	// the current tag or ErrConflict is returned; an empty one means the file
	// is expected not to exist yet.
	WriteFile(ctx context.Context, path string, content []byte, expectedTag string) (string, error)
	// ListDirectory lists the entries under path. A missing directory is empty.
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	// DeleteFile removes the file if its tag still matches.
	DeleteFile(ctx context.Context, path, versionTag string) error
}

// IsRetryable reports whether err is worth retrying in a later sync.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
