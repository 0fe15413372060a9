package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// DoneSentinel is the SSE data line that tells a viewer the session is over.
const DoneSentinel = "[DONE]"

const liveBuffer = 256

// handleEvents replays stored events from fromIndex and then follows live
// ones until the workflow ends or pauses for a human. With ?poll=1 it
// returns the stored events as a JSON array instead.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	fromIndex := startIndex(r)

	view, err := s.svc.Status(ctx, id)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if r.URL.Query().Get("poll") == "1" {
		events, err := s.svc.Events(ctx, id, fromIndex)
		if err != nil {
			s.fail(w, "events", err)
			return
		}
		if events == nil {
			events = []models.Event{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing appended in between is lost.
	live := make(chan models.Event, liveBuffer)
	unsubscribe := s.svc.Subscribe(id, func(ev models.Event) {
		select {
		case live <- ev:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := &stream{w: w, flusher: flusher, next: fromIndex}

	events, err := s.svc.Events(ctx, id, fromIndex)
	if err != nil {
		s.logger.Error("event replay failed", "task_id", id, "err", err)
		st.error(err)
		return
	}
	for _, ev := range events {
		st.event(ev)
		if ev.Type().Terminal() {
			st.done()
			return
		}
	}

	// A paused or finished task produces nothing more until someone acts on it.
	view, err = s.svc.Status(ctx, id)
	if err != nil {
		st.error(err)
		return
	}
	if view == nil || view.Status.Terminal() || view.Status == models.TaskStatusPaused {
		// Events are stored before the status changes, so anything appended
		// since the replay is already readable.
		rest, err := s.svc.Events(ctx, id, st.next)
		if err != nil {
			st.error(err)
			return
		}
		for _, ev := range rest {
			st.event(ev)
		}
		st.done()
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.comment("keep-alive")
		case ev := <-live:
			if ev.Index < st.next {
				continue
			}
			if ev.Index > st.next {
				// The broker dropped something; fill the gap from the store.
				missed, err := s.svc.Events(ctx, id, st.next)
				if err != nil {
					st.error(err)
					return
				}
				for _, m := range missed {
					if m.Index >= ev.Index {
						break
					}
					st.event(m)
					if m.Type().EndsSession() {
						st.done()
						return
					}
				}
			}
			st.event(ev)
			if ev.Type().EndsSession() {
				st.done()
				return
			}
		}
	}
}

// startIndex reads fromIndex, falling back to the Last-Event-ID header of a
// reconnecting EventSource.
func startIndex(r *http.Request) int {
	if raw := r.URL.Query().Get("fromIndex"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
		return 0
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n + 1
		}
	}
	return 0
}

type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	next    int
}

func (s *stream) event(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.error(err)
		return
	}
	fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", ev.Index, data)
	s.flusher.Flush()
	if ev.Index >= s.next {
		s.next = ev.Index + 1
	}
}

func (s *stream) comment(text string) {
	fmt.Fprintf(s.w, ":%s\n\n", text)
	s.flusher.Flush()
}

func (s *stream) done() {
	fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel)
	s.flusher.Flush()
}

// error reports a failure after headers are sent, then ends the session.
func (s *stream) error(err error) {
	data, _ := json.Marshal(map[string]any{
		"type":      "error",
		"content":   err.Error(),
		"timestamp": time.Now().UnixMilli(),
	})
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.done()
}
