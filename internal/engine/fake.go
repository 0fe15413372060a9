package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var ErrNoQueuedStream = errors.New("fake engine: no queued stream")

// ResumeCall records one Fake.Resume invocation.
type ResumeCall struct {
	Handle string
	Input  ResumeInput
}

// Fake hands out queued streams in order and records every call.
// It is meant for tests of code that drives an Engine.
type Fake struct {
	mu          sync.Mutex
	starts      []Stream
	resumes     []Stream
	StartCalls  []InitialState
	StartOpts   []StartOptions
	ResumeCalls []ResumeCall
}

func (f *Fake) QueueStart(s Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, s)
}

func (f *Fake) QueueResume(s Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, s)
}

func (f *Fake) Start(_ context.Context, state InitialState, opts StartOptions) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, state)
	f.StartOpts = append(f.StartOpts, opts)
	if len(f.starts) == 0 {
		return nil, ErrNoQueuedStream
	}
	s := f.starts[0]
	f.starts = f.starts[1:]
	return s, nil
}

func (f *Fake) Resume(_ context.Context, handle string, input ResumeInput) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResumeCalls = append(f.ResumeCalls, ResumeCall{Handle: handle, Input: input})
	if len(f.resumes) == 0 {
		return nil, ErrNoQueuedStream
	}
	s := f.resumes[0]
	f.resumes = f.resumes[1:]
	return s, nil
}

// Resumes returns a copy of the recorded resume calls.
func (f *Fake) Resumes() []ResumeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ResumeCall(nil), f.ResumeCalls...)
}

// Gated wraps s so that nothing is yielded until release is closed.
func Gated(release <-chan struct{}, s Stream) Stream {
	return func(yield func(models.Event, error) bool) {
		<-release
		s(yield)
	}
}

// Events is shorthand for a successful stream of payloads.
func Events(payloads ...models.Payload) Stream {
	events := make([]models.Event, len(payloads))
	for i, p := range payloads {
		events[i] = models.NewEvent(p)
	}
	return FromEvents(events, nil)
}
