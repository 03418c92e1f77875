package main

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/nixpig/trainrunner/internal/events"
)

// streamJob serves one viewer's real-time event feed over Server-Sent
// Events. On open it sends a synthetic status event and replays the full
// backlog, then follows the job's output buffer until the job reaches a
// terminal state (terminal status event, then done) or the viewer
// disconnects. Each viewer holds its own cursor; viewers never interfere.
func (s *server) streamJob(c *gin.Context) {
	job, err := s.manager.Get(c.Param("id"), c.GetString(credentialKey))
	if err != nil {
		s.mapError(c, "open stream", err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	sub := job.Output.Subscribe()
	defer sub.Close()

	// Tear the subscription down the moment the viewer disconnects, so no
	// further work happens on its behalf.
	ctx := c.Request.Context()
	handlerDone := make(chan struct{})
	defer close(handlerDone)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()

		case <-handlerDone:
		}
	}()

	s.writeEvent(c, events.Status{Status: string(job.Status)})

	for {
		lines, ok := sub.Next()

		for _, line := range lines {
			s.writeEvent(c, events.Parse(line))
		}

		if !ok {
			break
		}
	}

	if ctx.Err() != nil {
		// Viewer walked away; the job itself is unaffected.
		s.logger.WithField("job", job.ID).Debug("stream viewer disconnected")
		return
	}

	// The buffer closed: the job reached a terminal state, unless it was
	// evicted out from under this viewer.
	final, err := s.manager.Get(job.ID, c.GetString(credentialKey))
	if err != nil {
		s.writeEvent(c, events.ErrorLine{Message: "job no longer exists"})
		return
	}

	s.writeEvent(c, events.Status{Status: string(final.Status)})
	s.writeEvent(c, events.Done{})
}

func (s *server) writeEvent(c *gin.Context, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Warn("marshal stream event")
		return
	}

	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.EventType(), data)

	c.Writer.Flush()
}
