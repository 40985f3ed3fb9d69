package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/stream"
)

type eventResponse struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Cursor    int64          `json:"cursor"`
}

func toEventResponses(frames []stream.Frame) []eventResponse {
	out := make([]eventResponse, 0, len(frames))
	for _, frame := range frames {
		if frame.Event == nil {
			continue
		}
		out = append(out, eventResponse{
			Event:     frame.Event.Event,
			Timestamp: frame.Event.Timestamp,
			Payload:   frame.Event.Payload,
			Cursor:    frame.Cursor,
		})
	}
	return out
}

func (api *runsAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}

	page, err := api.streamer.ReadPage(r.Context(), run.ID, cursor)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	body := map[string]any{
		"events":      toEventResponses(page.Frames),
		"next_cursor": page.NextCursor,
		"ended":       page.Ended,
	}
	if page.Ended {
		body["end_reason"] = string(page.EndReason)
	}
	api.writeJSON(w, http.StatusOK, body)
}

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleStreamRunEvents tails the run's event log over SSE. The event id of
// every data frame is the cursor to resume from, so a client reconnecting
// with ?cursor=<last id> sees no duplicates.
func (api *runsAPI) handleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	frames, err := api.streamer.Stream(r.Context(), run.ID, cursor)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"cursor":     cursor,
		"request_id": r.Header.Get("X-Request-Id"),
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-frames:
			if !open {
				return
			}
			switch {
			case frame.Keepalive:
				_, _ = fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
			case frame.End != "" && frame.Event == nil:
				_ = writeSSE(w, "end", strconv.FormatInt(frame.Cursor, 10), map[string]any{
					"reason": string(frame.End),
					"cursor": frame.Cursor,
				})
				return
			default:
				if err := api.writeEventFrame(w, frame); err != nil {
					return
				}
				if frame.End != "" {
					_ = writeSSE(w, "end", strconv.FormatInt(frame.Cursor, 10), map[string]any{
						"reason": string(frame.End),
						"cursor": frame.Cursor,
					})
					return
				}
			}
		}
	}
}

func (api *runsAPI) writeEventFrame(w http.ResponseWriter, frame stream.Frame) error {
	event := frame.Event
	if event == nil {
		return nil
	}
	name := "event"
	if event.Event == domain.EventSentinelComplete {
		name = "complete"
	}
	return writeSSE(w, name, strconv.FormatInt(frame.Cursor, 10), eventResponse{
		Event:     event.Event,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
		Cursor:    frame.Cursor,
	})
}
