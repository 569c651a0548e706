package api

import (
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/events"
)

// streamRun handles GET /api/cap/runs/:id/stream.
//
// The ordering contract: subscribe to the live channel first, then replay
// the persisted log after the client's Last-Event-ID, then serve live
// envelopes while skipping any id the replay already covered. Events landing
// between the subscribe and the replay show up in both; the id comparison
// dedupes them. Transient envelopes (id 0) are never replayed and never
// skipped.
func (s *Server) streamRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.deps.Runs.Get(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	lastID := lastEventID(c)

	sub, err := s.deps.Bus.Subscribe(c.Request.Context(), events.RunChannel(runID))
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	write := func(env events.Envelope) bool {
		ev := sse.Event{Event: env.Type, Data: string(env.Data)}
		if env.ID > 0 {
			ev.Id = strconv.FormatInt(env.ID, 10)
		}
		if err := sse.Encode(c.Writer, ev); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	// Replay the persisted backlog.
	for {
		batch, more, err := s.deps.Catchup.EventsAfter(c.Request.Context(), runID, lastID)
		if err != nil {
			return
		}
		for _, env := range batch {
			if !write(env) {
				return
			}
			lastID = env.ID
			if terminalEvent(env.Type) {
				return
			}
		}
		if !more {
			break
		}
	}

	// A terminal run whose closing event the client already consumed has
	// nothing live to wait for.
	if run.Status.Terminal() {
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if env.ID > 0 && env.ID <= lastID {
				continue
			}
			if !write(env) {
				return
			}
			if env.ID > 0 {
				lastID = env.ID
			}
			if terminalEvent(env.Type) {
				return
			}
		}
	}
}

func terminalEvent(eventType string) bool {
	return eventType == events.EventCompleted || eventType == events.EventError
}

func lastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
