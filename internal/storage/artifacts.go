package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound means no artifact exists for the key. It is an expected state, not a failure.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidKey rejects keys that are not safe as file or object names.
	ErrInvalidKey = errors.New("invalid artifact key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ArtifactStore persists one image per project id. Save overwrites.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	URLFor(key string) string
}

// ValidateKey reports ErrInvalidKey for keys outside [A-Za-z0-9_-].
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
