package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/pkg/schema"
)

// handleEventStream streams live events matching the query filter as
// Server-Sent Events. workspaceId is required.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streaming.EventFilter{
		WorkspaceID: q.Get("workspaceId"),
		TaskID:      q.Get("taskId"),
		WorkflowID:  q.Get("workflowId"),
	}
	if types := q.Get("types"); types != "" {
		filter.Types = strings.Split(types, ",")
	}
	if filter.WorkspaceID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workspaceId is required"))
		return
	}
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "event stream not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "SSE subscribe failed", "error", err)
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.EventID, event.Type, data)
			flusher.Flush()
		}
	}
}
