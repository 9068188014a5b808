// Package repository persists runs and their audit events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("run not found")
	// ErrAlreadyExists is returned by Add when the id is taken.
	ErrAlreadyExists = errors.New("run already exists")
)

// Store is the durable keyed collection of runs.
//
// Every run handed in or out is a private copy; mutating a returned run does
// not change the stored record.
type Store interface {
	Add(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	// List returns all runs in insertion order.
	List(ctx context.Context) ([]*domain.Run, error)
	// NextPending returns the earliest inserted pending run, or nil when there is none.
	NextPending(ctx context.Context) (*domain.Run, error)
	PendingCount(ctx context.Context) (int, error)
	// Update applies patch to a copy of the run and stores the result. When
	// patch returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, patch Patch) (*domain.Run, error)
	// UpdateStatus is Update with the status forced after patch runs.
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus, patch Patch) (*domain.Run, error)

	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error)

	Close() error
}

// Patch mutates a copy of a stored run. A non-nil error aborts the update.
type Patch func(*domain.Run) error

// applyPatch runs patch against current and restores the immutable fields.
func applyPatch(current *domain.Run, status *domain.RunStatus, patch Patch, now time.Time) (*domain.Run, error) {
	next := current.Clone()
	if patch != nil {
		if err := patch(next); err != nil {
			return nil, err
		}
	}
	if status != nil {
		next.Status = *status
	}
	next.ID = current.ID
	next.User = current.User
	next.AgentID = current.AgentID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	return next, nil
}
