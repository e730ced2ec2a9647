package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BenPearsey/vaportal-sub001/internal/catalog"
	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/flow"
	"github.com/BenPearsey/vaportal-sub001/internal/events"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// EnsureResult is returned by Ensure. Created is false when the checklist
// already existed and was returned unchanged.
type EnsureResult struct {
	Checklist domain.Checklist `json:"checklist"`
	Created   bool             `json:"created"`
	Items     int              `json:"items"`
	Signals   []flow.Signal    `json:"signals"`
}

// Eligible reports whether product carries the configured product marker.
func (e Engine) Eligible(product string) bool {
	marker := strings.ToLower(strings.TrimSpace(e.config().Eligibility.ProductMarker))
	return marker != "" && strings.Contains(strings.ToLower(product), marker)
}

// Ensure instantiates the sale's checklist from the active template of its
// product. It is idempotent: once a checklist exists it is returned as is and
// never migrated to a newer template version.
func (e Engine) Ensure(ctx context.Context, caller auth.Caller, saleID string) (res EnsureResult, err error) {
	defer e.observe(ctx, "checklist.ensure", time.Now(), &err, map[string]any{"sale_id": saleID})

	sale, _, err := e.loadSale(ctx, caller, saleID)
	if err != nil {
		return res, err
	}
	if existing, err := e.Repo.ChecklistForSale(ctx, sale.ID); err == nil {
		return EnsureResult{Checklist: existing}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if !e.Eligible(sale.Product) {
		return res, fmt.Errorf("%w: product %q", ErrNotEligible, sale.Product)
	}

	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		r := repo.Repo{DB: tx}
		tpl, err := catalog.ActiveTx(ctx, tx, sale.Product)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: no active template for product %q", ErrNotEligible, sale.Product)
			}
			return err
		}
		now := e.now().UTC()
		ts := now.Format(time.RFC3339)
		cl := domain.Checklist{
			ID:              uuid.NewString(),
			SaleID:          sale.ID,
			TemplateID:      tpl.ID,
			TemplateVersion: tpl.Version,
			Status:          domain.ChecklistActive,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		created, err := r.InsertChecklist(ctx, cl)
		if err != nil {
			return fmt.Errorf("insert checklist: %w", err)
		}
		if !created {
			res.Checklist, err = r.ChecklistForSaleTemplate(ctx, sale.ID, tpl.ID)
			return err
		}
		var items []domain.Item
		for _, stage := range tpl.Stages {
			for _, task := range stage.Tasks {
				if task.Bundled() {
					continue
				}
				it := newItem(cl.ID, task, now, domain.ItemMeta{Kind: domain.KindTask}, nil)
				if err := r.InsertItem(ctx, it); err != nil {
					return fmt.Errorf("insert item %s: %w", task.Key, err)
				}
				items = append(items, it)
			}
		}
		cl.ProgressCached = flow.ComputeProgress(flow.NewIndex(tpl), items)
		if err := r.UpdateChecklistProgress(ctx, cl.ID, cl.ProgressCached, cl.Status, ts); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ChecklistCreated, sale.ID, "checklist", cl.ID, caller, events.EventPayload{
			"template_id": tpl.ID, "template_version": tpl.Version, "items": len(items),
		}); err != nil {
			return err
		}
		res = EnsureResult{Checklist: cl, Created: true, Items: len(items)}
		res.Signals = []flow.Signal{{
			Type:      flow.SignalChecklistCreated,
			Audiences: []flow.Audience{flow.AudienceAdmins},
			Sale:      sale,
			Extra:     map[string]any{"template": tpl.Title, "template_version": tpl.Version, "items": len(items)},
		}}
		return nil
	})
	if err != nil {
		return EnsureResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}

func newItem(checklistID string, task domain.Task, now time.Time, meta domain.ItemMeta, parent *string) domain.Item {
	ts := now.Format(time.RFC3339)
	it := domain.Item{
		ID:           uuid.NewString(),
		ChecklistID:  checklistID,
		TaskID:       task.ID,
		ParentItemID: parent,
		State:        domain.StateNotStarted,
		Meta:         meta,
		Version:      1,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if meta.Kind != domain.KindContainer && task.DefaultDueDays > 0 {
		due := now.AddDate(0, 0, task.DefaultDueDays).Format(time.RFC3339)
		it.DueAt = &due
	}
	if task.RoleScope != "" && meta.Kind != domain.KindContainer {
		scope := task.RoleScope
		it.AssigneeType = &scope
	}
	return it
}

// Summary is the role-filtered view of a sale's checklist.
type Summary struct {
	Exists    bool              `json:"exists"`
	SaleID    string            `json:"sale_id"`
	Role      domain.Role       `json:"role"`
	Checklist *domain.Checklist `json:"checklist,omitempty"`
	Template  *TemplateRef      `json:"template,omitempty"`
	Progress  int               `json:"progress"`
	Stages    []StageView       `json:"stages"`
}

type TemplateRef struct {
	ID      string `json:"id"`
	Product string `json:"product"`
	Title   string `json:"title"`
	Version int    `json:"version"`
}

type StageView struct {
	ID       string     `json:"id"`
	Key      string     `json:"key"`
	Label    string     `json:"label"`
	Order    int        `json:"order"`
	Weight   int        `json:"weight"`
	Done     int        `json:"done"`
	Total    int        `json:"total"`
	Complete bool       `json:"complete"`
	Items    []ItemView `json:"items"`
}

type ItemView struct {
	ID                   string             `json:"id"`
	TaskID               string             `json:"task_id"`
	TaskKey              string             `json:"task_key"`
	Label                string             `json:"label"`
	ActionType           domain.ActionType  `json:"action_type"`
	Visibility           domain.Visibility  `json:"visibility"`
	RequiresReview       bool               `json:"requires_review"`
	EvidenceRequired     bool               `json:"evidence_required"`
	State                domain.ItemState   `json:"state"`
	UIState              domain.UIState     `json:"ui_state"`
	Container            bool               `json:"container"`
	RepeatGroup          domain.RepeatGroup `json:"repeat_group,omitempty"`
	ParentItemID         *string            `json:"parent_item_id,omitempty"`
	DueAt                *string            `json:"due_at,omitempty"`
	StartedAt            *string            `json:"started_at,omitempty"`
	CompletedAt          *string            `json:"completed_at,omitempty"`
	BlockedReason        *string            `json:"blocked_reason,omitempty"`
	Notes                *string            `json:"notes,omitempty"`
	ClientActionRequired bool               `json:"client_action_required"`
	Links                []domain.Link      `json:"links"`
	Children             []ItemView         `json:"children,omitempty"`
}

// Summary returns the checklist as seen by the caller's role. Items whose
// task is not visible to the role are left out entirely; a container is shown
// when at least one of its children is. A sale without a checklist yields
// Exists=false rather than an error.
func (e Engine) Summary(ctx context.Context, caller auth.Caller, saleID string) (sum Summary, err error) {
	defer e.observe(ctx, "checklist.summary", time.Now(), &err, map[string]any{"sale_id": saleID})

	sale, role, err := e.loadSale(ctx, caller, saleID)
	if err != nil {
		return sum, err
	}
	sum = Summary{SaleID: sale.ID, Role: role, Stages: []StageView{}}
	cl, err := e.Repo.ChecklistForSale(ctx, sale.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return sum, nil
	}
	if err != nil {
		return sum, err
	}
	tpl, err := e.Repo.GetTemplate(ctx, cl.TemplateID)
	if err != nil {
		return sum, err
	}
	items, err := e.Repo.ListItems(ctx, cl.ID)
	if err != nil {
		return sum, err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	links, err := e.Repo.ListLinks(ctx, ids)
	if err != nil {
		return sum, err
	}

	idx := flow.NewIndex(tpl)
	sum.Exists = true
	sum.Checklist = &cl
	sum.Progress = cl.ProgressCached
	sum.Template = &TemplateRef{ID: tpl.ID, Product: tpl.Product, Title: tpl.Title, Version: tpl.Version}

	children := map[string][]domain.Item{}
	for _, it := range items {
		if it.ParentItemID != nil {
			children[*it.ParentItemID] = append(children[*it.ParentItemID], it)
		}
	}
	for _, stage := range tpl.Stages {
		sv := StageView{ID: stage.ID, Key: stage.Key, Label: stage.Label, Order: stage.Order, Weight: stage.Weight, Items: []ItemView{}}
		for _, it := range items {
			task, ok := idx.Task(it.TaskID)
			if !ok || task.StageID != stage.ID {
				continue
			}
			if !it.IsContainer() && it.State != domain.StateNA {
				sv.Total++
				if it.State.Done() {
					sv.Done++
				}
			}
			if it.ParentItemID != nil {
				continue
			}
			if it.IsContainer() {
				view := itemView(it, task, links[it.ID])
				for _, child := range children[it.ID] {
					childTask, ok := idx.Task(child.TaskID)
					if !ok || !childTask.VisibleTo(role) {
						continue
					}
					view.Children = append(view.Children, itemView(child, childTask, links[child.ID]))
				}
				if len(view.Children) > 0 {
					sv.Items = append(sv.Items, view)
				}
				continue
			}
			if !task.VisibleTo(role) {
				continue
			}
			sv.Items = append(sv.Items, itemView(it, task, links[it.ID]))
		}
		sv.Complete = flow.StageCompleteForClient(idx, stage.ID, items)
		if role != domain.RoleClient {
			sv.Complete = sv.Total > 0 && sv.Done == sv.Total
		}
		sum.Stages = append(sum.Stages, sv)
	}
	return sum, nil
}

func itemView(it domain.Item, task domain.Task, links []domain.Link) ItemView {
	if links == nil {
		links = []domain.Link{}
	}
	return ItemView{
		ID:                   it.ID,
		TaskID:               task.ID,
		TaskKey:              task.Key,
		Label:                itemLabel(it, task),
		ActionType:           task.ActionType,
		Visibility:           task.Visibility,
		RequiresReview:       task.RequiresReview,
		EvidenceRequired:     task.EvidenceRequired,
		State:                it.State,
		UIState:              flow.ToUI(it.State),
		Container:            it.IsContainer(),
		RepeatGroup:          it.Meta.Group,
		ParentItemID:         it.ParentItemID,
		DueAt:                it.DueAt,
		StartedAt:            it.StartedAt,
		CompletedAt:          it.CompletedAt,
		BlockedReason:        it.BlockedReason,
		Notes:                it.Notes,
		ClientActionRequired: !it.IsContainer() && flow.ClientActionRequired(task, it.State),
		Links:                links,
	}
}

// RecalcResult reports a forced progress recomputation.
type RecalcResult struct {
	Checklist domain.Checklist `json:"checklist"`
	Before    int              `json:"before"`
	After     int              `json:"after"`
	Signals   []flow.Signal    `json:"signals"`
}

// Recalc recomputes progress without touching item state. Only the
// sale-completed signal is evaluated.
func (e Engine) Recalc(ctx context.Context, caller auth.Caller, saleID string) (res RecalcResult, err error) {
	defer e.observe(ctx, "checklist.recalc", time.Now(), &err, map[string]any{"sale_id": saleID})

	sale, _, err := e.loadSale(ctx, caller, saleID, domain.RoleAdmin)
	if err != nil {
		return res, err
	}
	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		out, err := e.settle(ctx, w)
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ChecklistRecalculated, sale.ID, "checklist", w.checklist.ID, caller, events.EventPayload{
			"from": out.Before, "to": out.After,
		}); err != nil {
			return err
		}
		signals, err := e.completionSignals(ctx, tx, w, out, caller)
		if err != nil {
			return err
		}
		res = RecalcResult{Checklist: w.checklist, Before: out.Before, After: out.After, Signals: signals}
		return nil
	})
	if err != nil {
		return RecalcResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}

// Archive marks the checklist archived. Progress is recomputed as with any
// write; no signals are raised.
func (e Engine) Archive(ctx context.Context, caller auth.Caller, saleID string) (cl domain.Checklist, err error) {
	defer e.observe(ctx, "checklist.archive", time.Now(), &err, map[string]any{"sale_id": saleID})

	sale, _, err := e.loadSale(ctx, caller, saleID, domain.RoleAdmin)
	if err != nil {
		return cl, err
	}
	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		from := w.checklist.Status
		w.checklist.Status = domain.ChecklistArchived
		if _, err := e.settle(ctx, w); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ChecklistArchived, sale.ID, "checklist", w.checklist.ID, caller, events.EventPayload{
			"from": from,
		}); err != nil {
			return err
		}
		cl = w.checklist
		return nil
	})
	return cl, err
}

// Events lists the sale's audit log newest first. Admins only.
func (e Engine) Events(ctx context.Context, caller auth.Caller, saleID string, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	sale, _, err := e.loadSale(ctx, caller, saleID, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	f.SaleID = sale.ID
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, f)
}

// SyncSale mirrors a CRM sale record. Only admins may write sales.
func (e Engine) SyncSale(ctx context.Context, caller auth.Caller, sale domain.Sale) (domain.Sale, error) {
	if caller.Kind != domain.RoleAdmin || caller.UserID == "" {
		return sale, auth.ForbiddenError{Reason: "only admins may sync sales"}
	}
	if strings.TrimSpace(sale.ID) == "" {
		return sale, ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(sale.Product) == "" {
		return sale, ValidationError{Field: "product", Reason: "required"}
	}
	sale.UpdatedAt = e.stamp()
	if err := e.Repo.UpsertSale(ctx, sale); err != nil {
		return sale, err
	}
	return sale, nil
}

// SyncUser mirrors a user record used for role checks and notification
// recipients. Admins only.
func (e Engine) SyncUser(ctx context.Context, caller auth.Caller, u domain.User) (domain.User, error) {
	if caller.Kind != domain.RoleAdmin || caller.UserID == "" {
		return u, auth.ForbiddenError{Reason: "only admins may sync users"}
	}
	if strings.TrimSpace(u.ID) == "" {
		return u, ValidationError{Field: "id", Reason: "required"}
	}
	kind, ok := domain.ParseRole(string(u.Kind))
	if !ok {
		return u, ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", u.Kind)}
	}
	u.Kind = kind
	if err := e.Repo.UpsertUser(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}
