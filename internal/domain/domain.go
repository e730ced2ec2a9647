package domain

// Role is the caller's relationship to a sale.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// ParseRole returns the role for s and whether it is known.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleAgent, RoleClient:
		return Role(s), true
	}
	return "", false
}

type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
)

type Visibility string

const (
	VisibleAdmin  Visibility = "admin"
	VisibleAgent  Visibility = "agent"
	VisibleClient Visibility = "client"
	VisibleAll    Visibility = "all"
)

type ActionType string

const (
	ActionInfo         ActionType = "info"
	ActionFileUpload   ActionType = "file-upload"
	ActionReview       ActionType = "review"
	ActionInternal     ActionType = "internal"
	ActionSendToVendor ActionType = "send-to-vendor"
)

type RepeatGroup string

const (
	GroupMVTR      RepeatGroup = "mvtr"
	GroupQuitclaim RepeatGroup = "quitclaim"
	GroupBOSPN     RepeatGroup = "bospn"
)

// ValidRepeatGroup reports whether g is one of the known bundle tags.
func ValidRepeatGroup(g RepeatGroup) bool {
	switch g {
	case GroupMVTR, GroupQuitclaim, GroupBOSPN:
		return true
	}
	return false
}

type ChecklistStatus string

const (
	ChecklistActive   ChecklistStatus = "active"
	ChecklistComplete ChecklistStatus = "complete"
	ChecklistArchived ChecklistStatus = "archived"
)

type ReviewState string

const (
	ReviewPending  ReviewState = "pending"
	ReviewApproved ReviewState = "approved"
	ReviewRejected ReviewState = "rejected"
)

// SaleStatusCompleted is the CRM status value that marks a closed sale.
const SaleStatusCompleted = "Completed"

// DocumentModelSale is the document_model recorded on links to sale documents.
const DocumentModelSale = "sale_document"

type Template struct {
	ID      string         `json:"id" yaml:"id"`
	Product string         `json:"product" yaml:"product"`
	Version int            `json:"version" yaml:"version"`
	Title   string         `json:"title" yaml:"title"`
	Status  TemplateStatus `json:"status" yaml:"status"`
	Stages  []Stage        `json:"stages,omitempty" yaml:"stages"`
}

type Stage struct {
	ID         string `json:"id" yaml:"id"`
	TemplateID string `json:"template_id" yaml:"-"`
	Key        string `json:"key" yaml:"key"`
	Label      string `json:"label" yaml:"label"`
	Order      int    `json:"order" yaml:"order"`
	Weight     int    `json:"weight" yaml:"weight"`
	Tasks      []Task `json:"tasks,omitempty" yaml:"tasks"`
}

type Task struct {
	ID               string      `json:"id" yaml:"id"`
	StageID          string      `json:"stage_id" yaml:"-"`
	Key              string      `json:"key" yaml:"key"`
	Label            string      `json:"label" yaml:"label"`
	Order            int         `json:"order" yaml:"order"`
	RoleScope        string      `json:"role_scope,omitempty" yaml:"role_scope"`
	Visibility       Visibility  `json:"visibility" yaml:"visibility"`
	ActionType       ActionType  `json:"action_type" yaml:"action_type"`
	RequiresReview   bool        `json:"requires_review" yaml:"requires_review"`
	IsRepeatable     bool        `json:"is_repeatable" yaml:"is_repeatable"`
	RepeatGroup      RepeatGroup `json:"repeat_group,omitempty" yaml:"repeat_group"`
	Dependencies     []string    `json:"dependencies,omitempty" yaml:"dependencies"`
	DefaultDueDays   int         `json:"default_due_days,omitempty" yaml:"default_due_days"`
	EvidenceRequired bool        `json:"evidence_required" yaml:"evidence_required"`
}

// VisibleTo reports whether a caller with role r may see the task.
// Admins see every task.
func (t Task) VisibleTo(r Role) bool {
	if r == RoleAdmin || t.Visibility == VisibleAll {
		return true
	}
	return string(t.Visibility) == string(r)
}

// Bundled reports whether the task is only instantiated through a repeat group.
func (t Task) Bundled() bool {
	return t.IsRepeatable && t.RepeatGroup != ""
}

type Checklist struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"sale_id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	Status          ChecklistStatus `json:"status"`
	ProgressCached  int             `json:"progress_cached"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

type Link struct {
	ID            string      `json:"id"`
	ItemID        string      `json:"item_id"`
	DocumentModel string      `json:"document_model"`
	DocumentID    string      `json:"document_id"`
	ReviewState   ReviewState `json:"review_state" enum:"pending,approved,rejected"`
	ReviewedBy    *string     `json:"reviewed_by,omitempty"`
	ReviewNote    *string     `json:"review_note,omitempty"`
	ReviewedAt    *string     `json:"reviewed_at,omitempty" format:"date-time"`
	Version       int         `json:"version"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
}

// Sale is the CRM sale projection the engine needs for eligibility,
// ownership checks and notification payloads.
type Sale struct {
	ID        string `json:"id"`
	Product   string `json:"product"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type User struct {
	ID    string `json:"id"`
	Kind  Role   `json:"kind"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SaleID     string `json:"sale_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Document struct {
	ID        string `json:"id"`
	SaleID    string `json:"sale_id"`
	Title     string `json:"title"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
