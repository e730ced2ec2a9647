package server

import (
	"encoding/json"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/flow"
)

// Request payloads

type UpsertSaleRequest struct {
	Product  string `json:"product"`
	Status   string `json:"status,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type UpsertUserRequest struct {
	Kind  string `json:"kind" enum:"admin,agent,client"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type UpdateStateRequest struct {
	State string  `json:"state" example:"pending_review"`
	Note  *string `json:"note,omitempty"`
}

type UploadFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	// Data travels as standard base64 in JSON.
	Data []byte `json:"data"`
}

type UploadRequest struct {
	Files []UploadFile `json:"files"`
}

type ReviewRequest struct {
	Decision        string  `json:"decision" enum:"approved,rejected"`
	Note            *string `json:"note,omitempty"`
	ExpectedVersion int     `json:"expected_version,omitempty"`
}

type AddRepeatableRequest struct {
	Group string `json:"group" enum:"mvtr,quitclaim"`
	Label string `json:"label,omitempty"`
}

// Response payloads

type EnsureResponse struct {
	Checklist domain.Checklist `json:"checklist"`
	Created   bool             `json:"created"`
	Items     int              `json:"items"`
	Signals   []string         `json:"signals"`
}

type MutationResponse struct {
	Checklist domain.Checklist `json:"checklist"`
	Item      *domain.Item     `json:"item,omitempty"`
	Items     []domain.Item    `json:"items,omitempty"`
	Links     []domain.Link    `json:"links,omitempty"`
	Signals   []string         `json:"signals"`
}

type RecalcResponse struct {
	Checklist domain.Checklist `json:"checklist"`
	Before    int              `json:"before"`
	After     int              `json:"after"`
	Signals   []string         `json:"signals"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SaleID     string         `json:"sale_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func signalTypes(signals []flow.Signal) []string {
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		out = append(out, string(s.Type))
	}
	return out
}

func ensureResponse(res engine.EnsureResult) EnsureResponse {
	return EnsureResponse{Checklist: res.Checklist, Created: res.Created, Items: res.Items, Signals: signalTypes(res.Signals)}
}

func mutationResponse(res engine.MutationResult) MutationResponse {
	return MutationResponse{
		Checklist: res.Checklist,
		Item:      res.Item,
		Items:     res.Items,
		Links:     res.Links,
		Signals:   signalTypes(res.Signals),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SaleID:     e.SaleID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
