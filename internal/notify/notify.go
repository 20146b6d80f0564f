// Package notify publishes commit events produced by the change pipeline.
package notify

import (
	"context"
	"errors"
	"time"
)

// EventCommit is the type of the event sent after a successful commit.
const EventCommit = "commit"

// Event describes a new model version created by a change request.
type Event struct {
	Type          string    `json:"type"`
	RunID         string    `json:"run_id"`
	ProjectID     string    `json:"project_id"`
	BranchID      string    `json:"branch_id"`
	CommitID      string    `json:"commit_id"`
	ChangeRequest string    `json:"change_request"`
	Operations    int       `json:"operations"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
