package server

import (
	"encoding/json"

	"matchline/internal/domain"
)

type RunListResponse struct {
	Runs []domain.Run `json:"runs"`
}

// EventResponse mirrors domain.Event with the payload exposed as JSON
// instead of a string column.
type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Type        string          `json:"type"`
	RunID       string          `json:"run_id,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
	// Cursor is the lowest event id in this page; pass it back to page
	// into older events.
	Cursor int64 `json:"cursor"`
}

type SeenListResponse struct {
	Seen []domain.SeenRecord `json:"seen"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		RunID:       evt.RunID,
		Fingerprint: evt.Fingerprint,
		Outcome:     evt.Outcome,
		Reason:      evt.Reason,
		Payload:     payload,
	}
}

func eventListResponse(evts []domain.Event) EventListResponse {
	resp := EventListResponse{Events: make([]EventResponse, 0, len(evts))}
	for _, evt := range evts {
		resp.Events = append(resp.Events, eventResponse(evt))
		if resp.Cursor == 0 || evt.ID < resp.Cursor {
			resp.Cursor = evt.ID
		}
	}
	return resp
}
