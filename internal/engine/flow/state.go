// Package flow holds the pure parts of the checklist workflow: state mapping,
// link derivation, progress and the notification predicates. Nothing here
// touches storage.
package flow

import (
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// ToUI collapses a DB state into the UI taxonomy. Unknown states read as todo.
func ToUI(s domain.ItemState) domain.UIState {
	switch s {
	case domain.StatePendingReview:
		return domain.UIPendingReview
	case domain.StateApproved:
		return domain.UIApproved
	case domain.StateRejected:
		return domain.UIRejected
	case domain.StateComplete:
		return domain.UIComplete
	case domain.StateNA:
		return domain.UINA
	default:
		return domain.UITodo
	}
}

// ToDBState maps a requested UI or DB state name onto a DB state. The mapping
// is total: unrecognized input becomes not_started.
func ToDBState(s string) domain.ItemState {
	switch domain.UIState(s) {
	case domain.UITodo:
		return domain.StateNotStarted
	case domain.UIPendingReview, domain.UIApproved, domain.UIRejected, domain.UIComplete, domain.UINA:
		return domain.ItemState(s)
	}
	if st := domain.ItemState(s); st.Known() {
		return st
	}
	return domain.StateNotStarted
}

// KnownState reports whether s names a UI or DB state.
func KnownState(s string) bool {
	for _, ui := range domain.AllUIStates {
		if string(ui) == s {
			return true
		}
	}
	return domain.ItemState(s).Known()
}

// Derive resolves an item's state from all of its links. Rejected wins over
// pending, pending over approved.
func Derive(task domain.Task, links []domain.Link) domain.ItemState {
	var pending, approved bool
	for _, l := range links {
		switch l.ReviewState {
		case domain.ReviewRejected:
			return domain.StateRejected
		case domain.ReviewPending:
			pending = true
		case domain.ReviewApproved:
			approved = true
		}
	}
	switch {
	case pending:
		return domain.StatePendingReview
	case approved:
		if task.RequiresReview {
			return domain.StateApproved
		}
		return domain.StateComplete
	default:
		return domain.StateNotStarted
	}
}

// AfterUpload returns the review state for freshly uploaded links and the
// item state the upload sets. It agrees with Derive when the item had no
// prior rejected link.
func AfterUpload(task domain.Task) (domain.ReviewState, domain.ItemState) {
	if task.RequiresReview {
		return domain.ReviewPending, domain.StatePendingReview
	}
	return domain.ReviewApproved, domain.StateComplete
}

// Apply writes state onto a copy of item and maintains the timestamp
// columns: started_at is set on the first move out of not_started,
// completed_at only while the state is done, blocked_reason only while
// blocked. Container items never carry timestamps.
func Apply(item domain.Item, state domain.ItemState, note *string, now string) domain.Item {
	item.State = state
	item.UpdatedAt = now
	if item.IsContainer() {
		item.StartedAt = nil
		item.CompletedAt = nil
		item.BlockedReason = nil
		return item
	}
	if state != domain.StateNotStarted && item.StartedAt == nil {
		ts := now
		item.StartedAt = &ts
	}
	if state.Done() {
		ts := now
		item.CompletedAt = &ts
	} else {
		item.CompletedAt = nil
	}
	if state == domain.StateBlocked && note != nil && *note != "" {
		reason := *note
		item.BlockedReason = &reason
	} else if state != domain.StateBlocked {
		item.BlockedReason = nil
	}
	if note != nil && *note != "" {
		n := *note
		item.Notes = &n
	}
	return item
}
