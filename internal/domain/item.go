package domain

// ItemState is the fine-grained persisted state of a checklist item.
type ItemState string

const (
	StateNotStarted      ItemState = "not_started"
	StateInProgress      ItemState = "in_progress"
	StateWaitingOnClient ItemState = "waiting_on_client"
	StateUploaded        ItemState = "uploaded"
	StatePendingReview   ItemState = "pending_review"
	StateApproved        ItemState = "approved"
	StateRejected        ItemState = "rejected"
	StateBlocked         ItemState = "blocked"
	StateComplete        ItemState = "complete"
	StateNA              ItemState = "na"
)

// AllItemStates lists every DB state in declaration order.
var AllItemStates = []ItemState{
	StateNotStarted, StateInProgress, StateWaitingOnClient, StateUploaded,
	StatePendingReview, StateApproved, StateRejected, StateBlocked,
	StateComplete, StateNA,
}

// UIState is the coarse state shown to callers.
type UIState string

const (
	UITodo          UIState = "todo"
	UIPendingReview UIState = "pending_review"
	UIApproved      UIState = "approved"
	UIRejected      UIState = "rejected"
	UIComplete      UIState = "complete"
	UINA            UIState = "na"
)

var AllUIStates = []UIState{UITodo, UIPendingReview, UIApproved, UIRejected, UIComplete, UINA}

// Known reports whether s is a DB state.
func (s ItemState) Known() bool {
	for _, v := range AllItemStates {
		if v == s {
			return true
		}
	}
	return false
}

// Done reports whether s counts toward progress.
func (s ItemState) Done() bool {
	return s == StateApproved || s == StateComplete
}

// ItemKind tags what an item row represents.
type ItemKind string

const (
	KindTask      ItemKind = "task"
	KindContainer ItemKind = "container"
	KindRepeat    ItemKind = "repeat"
)

// ItemMeta replaces the free-form meta bag: a container groups a repeat
// bundle, a repeat item is one child of that bundle.
type ItemMeta struct {
	Kind  ItemKind    `json:"kind"`
	Group RepeatGroup `json:"group,omitempty"`
	Label string      `json:"label,omitempty"`
}

type Item struct {
	ID            string    `json:"id"`
	ChecklistID   string    `json:"checklist_id"`
	TaskID        string    `json:"task_id"`
	ParentItemID  *string   `json:"parent_item_id,omitempty"`
	AssigneeType  *string   `json:"assignee_type,omitempty"`
	AssigneeID    *string   `json:"assignee_id,omitempty"`
	State         ItemState `json:"state"`
	DueAt         *string   `json:"due_at,omitempty" format:"date-time"`
	StartedAt     *string   `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string   `json:"completed_at,omitempty" format:"date-time"`
	BlockedReason *string   `json:"blocked_reason,omitempty"`
	Notes         *string   `json:"notes,omitempty"`
	Meta          ItemMeta  `json:"meta"`
	Version       int       `json:"version"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

// IsContainer reports whether the item only groups a repeat bundle.
func (i Item) IsContainer() bool {
	return i.Meta.Kind == KindContainer
}
