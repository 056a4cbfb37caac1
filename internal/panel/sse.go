package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/internal/streaming"
)

// keepAlive is how often an idle stream sends a comment line.
const keepAlive = 15 * time.Second

// GET /api/v1/events?workflow_id=&execution_id=&types=execution.completed,execution.failed
//
// Streams execution events as Server-Sent Events until the client goes away.
func (s *Server) streamEvents(c echo.Context) error {
	filter := streaming.EventFilter{
		WorkflowID:  c.QueryParam("workflow_id"),
		ExecutionID: c.QueryParam("execution_id"),
	}
	if v := c.QueryParam("types"); v != "" {
		filter.EventTypes = strings.Split(v, ",")
	}

	ctx := c.Request().Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	w.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.deps.Logger.Warn("marshal sse event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			w.Flush()
		}
	}
}
