// Package engine defines the boundary to the agent workflow engine: the
// checkpointed process that calls models and tools and reports what it did as
// a stream of events. The task worker only consumes this interface.
package engine

import (
	"context"
	"errors"
	"iter"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// Stream yields workflow events in order. A non-nil error ends the stream and
// means the workflow failed; no further pairs follow it.
type Stream = iter.Seq2[models.Event, error]

// Engine starts and resumes workflow runs.
type Engine interface {
	// Start begins a fresh run seeded with state.
	Start(ctx context.Context, state InitialState, opts StartOptions) (Stream, error)
	// Resume continues the run suspended under handle.
	Resume(ctx context.Context, handle string, input ResumeInput) (Stream, error)
}

// InitialState seeds a new run.
type InitialState struct {
	Prompt          string   `json:"message"`
	ThemeID         int64    `json:"themeId"`
	ReferenceAssets []string `json:"referenceAssets,omitempty"`
	ProviderHint    string   `json:"providerHint,omitempty"`
	SourceTaskID    *int64   `json:"sourceTaskId,omitempty"`
	CreativeID      *int64   `json:"creativeId,omitempty"`
	HitlEnabled     bool     `json:"hitlEnabled"`
	TaskID          int64    `json:"taskId"`
}

// StartOptions tune a run without being part of its state.
type StartOptions struct {
	ResumeHandle   *string `json:"threadId,omitempty"`
	RecursionLimit int     `json:"recursionLimit,omitempty"`
}

// UserResponse answers an agent clarification question.
type UserResponse struct {
	SelectedIDs     []string `json:"selectedIds"`
	CustomInput     string   `json:"customInput,omitempty"`
	ModifiedContext any      `json:"modifiedContext,omitempty"`
}

// ResumeInput carries exactly one of Response or Feedback.
// Feedback is the "rejected, please redo" path of a manual checkpoint.
type ResumeInput struct {
	Response *UserResponse `json:"userResponse,omitempty"`
	Feedback *string       `json:"feedback,omitempty"`
}

var (
	ErrUnknownHandle = errors.New("no suspended run for resume handle")
	ErrInvalidInput  = errors.New("resume input must carry exactly one of response or feedback")
)

// Validate checks that exactly one branch is set.
func (in ResumeInput) Validate() error {
	if (in.Response == nil) == (in.Feedback == nil) {
		return ErrInvalidInput
	}
	return nil
}

// FromEvents returns a stream that yields events and then, if err is non-nil, fails.
func FromEvents(events []models.Event, err error) Stream {
	return func(yield func(models.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if err != nil {
			yield(models.Event{}, err)
		}
	}
}
