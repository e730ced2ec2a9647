package flow

import (
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// SignalType names a notification raised by a mutation.
type SignalType string

const (
	SignalChecklistCreated     SignalType = "checklist_created"
	SignalStateChanged         SignalType = "state_changed"
	SignalClientActionRequired SignalType = "client_action_required"
	SignalClientMilestone      SignalType = "client_milestone"
	SignalSaleCompleted        SignalType = "sale_completed"
	SignalUploaded             SignalType = "uploaded"
	SignalPendingReview        SignalType = "pending_review"
	SignalReviewed             SignalType = "reviewed"
	SignalRepeatGroupAdded     SignalType = "repeat_group_added"
)

// Audience selects who receives a signal.
type Audience string

const (
	AudienceAdmins Audience = "admins"
	AudienceAgent  Audience = "agent"
	AudienceClient Audience = "client"
)

// Signal is a notification intent produced inside a mutation and dispatched
// after commit.
type Signal struct {
	Type      SignalType     `json:"type"`
	Audiences []Audience     `json:"audiences"`
	Sale      domain.Sale    `json:"sale"`
	ItemID    string         `json:"item_id,omitempty"`
	ItemLabel string         `json:"item_label,omitempty"`
	ItemState domain.UIState `json:"item_state,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

var stillNeedsWork = map[domain.ItemState]bool{
	domain.StateNotStarted:      true,
	domain.StatePendingReview:   true,
	domain.StateRejected:        true,
	domain.StateInProgress:      true,
	domain.StateWaitingOnClient: true,
	domain.StateUploaded:        true,
}

// ClientActionRequired reports whether the client has to act on an item of
// task in state.
func ClientActionRequired(task domain.Task, state domain.ItemState) bool {
	if !task.VisibleTo(domain.RoleClient) {
		return false
	}
	if task.ActionType != domain.ActionFileUpload && !task.RequiresReview {
		return false
	}
	return stillNeedsWork[state]
}

// StageCompleteForClient reports whether every client-visible item of the
// stage is approved, complete or na. A stage without client-visible items is
// never complete.
func StageCompleteForClient(idx *Index, stageID string, items []domain.Item) bool {
	seen := false
	for _, it := range items {
		if it.IsContainer() {
			continue
		}
		task, ok := idx.Task(it.TaskID)
		if !ok || task.StageID != stageID || !task.VisibleTo(domain.RoleClient) {
			continue
		}
		seen = true
		if !it.State.Done() && it.State != domain.StateNA {
			return false
		}
	}
	return seen
}

// SaleCompleted decides whether the sale-completed signal fires. A crossing
// to 100 within the call always fires; the sale status alone fires only
// while the checklist is not yet complete. Archived checklists never fire.
func SaleCompleted(status domain.ChecklistStatus, before, after int, saleStatus string) bool {
	if status == domain.ChecklistArchived {
		return false
	}
	if before < 100 && after >= 100 {
		return true
	}
	return status != domain.ChecklistComplete && saleStatus == domain.SaleStatusCompleted
}
