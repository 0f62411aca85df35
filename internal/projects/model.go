package projects

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for an unknown project id.
var ErrNotFound = errors.New("project not found")

// Project is a portfolio entry. Its ID doubles as the screenshot artifact key.
type Project struct {
	ID               string
	Title            string
	URL              string
	Tags             []string
	Partner          *string
	CompletionDate   *string // YYYY-MM or YYYY-MM-DD, free text
	IsPrivate        bool
	ScreenshotLocked bool
	ScreenshotError  *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScreenshotState is the outcome of a capture as written back to a project.
type ScreenshotState struct {
	// Locked sets the lock flag; nil leaves the stored flag unchanged.
	Locked *bool
	Error  *string
	// Title replaces the project title only when the stored title is empty.
	Title string
}

// Lock returns a Locked value for ScreenshotState.
func Lock(v bool) *bool { return &v }

// Store persists projects.
type Store interface {
	List(ctx context.Context) ([]Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	Create(ctx context.Context, p *Project) error
	UpdateScreenshotState(ctx context.Context, id string, st ScreenshotState) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Unlocked returns the projects whose screenshot is not locked, keeping order.
func Unlocked(list []Project) []Project {
	out := make([]Project, 0, len(list))
	for _, p := range list {
		if !p.ScreenshotLocked {
			out = append(out, p)
		}
	}
	return out
}
