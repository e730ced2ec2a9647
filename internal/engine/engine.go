// Package engine orchestrates the sale checklist workflow. Every operation
// runs in one transaction, recomputes progress before committing and hands
// the resulting signals to the notification dispatcher after commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/flow"
	"github.com/BenPearsey/vaportal-sub001/internal/events"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

var (
	// ErrNotEligible means the sale's product has no checklist.
	ErrNotEligible = errors.New("sale not eligible for a checklist")
	// ErrConflict means a link changed since the caller read it.
	ErrConflict = errors.New("link was modified concurrently")
)

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DependencyError is returned by the dependency gate when prerequisite tasks
// are still open.
type DependencyError struct {
	TaskKey string
	Pending []string
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("task %s waits on %s", e.TaskKey, strings.Join(e.Pending, ", "))
}

// Dispatcher consumes committed signals. Delivery failures stay inside it.
type Dispatcher interface {
	Dispatch(ctx context.Context, signals []flow.Signal)
}

type Engine struct {
	DB       *sql.DB
	UoW      db.UnitOfWork
	Repo     repo.Repo
	Docs     docstore.Store
	Notifier Dispatcher
	Observer UseCaseObserver
	Config   *config.Config
	Now      func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       conn,
		UoW:      db.NewUnitOfWork(conn),
		Repo:     repo.Repo{DB: conn},
		Observer: NoopUseCaseObserver{},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx db.DBTX, evtType, saleID, entityKind, entityID string, caller auth.Caller, payload events.EventPayload) error {
	return events.Writer{Now: e.now}.Append(ctx, tx, evtType, saleID, entityKind, entityID, caller.UserID, payload)
}

func (e Engine) dispatch(ctx context.Context, signals []flow.Signal) {
	if e.Notifier == nil || len(signals) == 0 {
		return
	}
	e.Notifier.Dispatch(ctx, signals)
}

// loadSale reads the sale and resolves the caller's role on it.
func (e Engine) loadSale(ctx context.Context, caller auth.Caller, saleID string, allowed ...domain.Role) (domain.Sale, domain.Role, error) {
	if strings.TrimSpace(saleID) == "" {
		return domain.Sale{}, "", ValidationError{Field: "sale_id", Reason: "required"}
	}
	sale, err := e.Repo.GetSale(ctx, saleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sale, "", fmt.Errorf("sale %s: %w", saleID, repo.ErrNotFound)
		}
		return sale, "", err
	}
	if len(allowed) == 0 {
		allowed = []domain.Role{domain.RoleAdmin, domain.RoleAgent, domain.RoleClient}
	}
	role, err := auth.Require(caller, sale, allowed...)
	if err != nil {
		return sale, "", err
	}
	return sale, role, nil
}

// workset is the checklist state loaded inside a mutation's transaction.
type workset struct {
	repo      repo.Repo
	sale      domain.Sale
	checklist domain.Checklist
	idx       *flow.Index
	before    []domain.Item
}

func (e Engine) loadWorkset(ctx context.Context, tx db.DBTX, sale domain.Sale) (*workset, error) {
	r := repo.Repo{DB: tx}
	cl, err := r.ChecklistForSale(ctx, sale.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("checklist for sale %s: %w", sale.ID, repo.ErrNotFound)
		}
		return nil, err
	}
	tpl, err := r.GetTemplate(ctx, cl.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", cl.TemplateID, err)
	}
	items, err := r.ListItems(ctx, cl.ID)
	if err != nil {
		return nil, err
	}
	return &workset{repo: r, sale: sale, checklist: cl, idx: flow.NewIndex(tpl), before: items}, nil
}

// item returns the addressed item of this checklist. Items of other
// checklists read as not found.
func (w *workset) item(ctx context.Context, itemID string) (domain.Item, domain.Task, error) {
	it, err := w.repo.GetItem(ctx, w.checklist.ID, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return it, domain.Task{}, fmt.Errorf("item %s: %w", itemID, repo.ErrNotFound)
		}
		return it, domain.Task{}, err
	}
	task, ok := w.idx.Task(it.TaskID)
	if !ok {
		return it, task, fmt.Errorf("item %s task %s outside template: %w", itemID, it.TaskID, repo.ErrNotFound)
	}
	return it, task, nil
}

// outcome is the progress picture after a mutation.
type outcome struct {
	Before        int
	After         int
	Items         []domain.Item
	SaleCompleted bool
}

// settle recomputes progress from the current rows, stores it and derives
// the checklist status. It runs inside the mutation's transaction so the
// cached value is never stale after commit.
func (e Engine) settle(ctx context.Context, w *workset) (outcome, error) {
	items, err := w.repo.ListItems(ctx, w.checklist.ID)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{Before: w.checklist.ProgressCached, Items: items}
	out.After = flow.ComputeProgress(w.idx, items)
	out.SaleCompleted = flow.SaleCompleted(w.checklist.Status, out.Before, out.After, w.sale.Status)

	status := w.checklist.Status
	switch {
	case status == domain.ChecklistArchived:
	case out.SaleCompleted:
		status = domain.ChecklistComplete
	case status == domain.ChecklistComplete && out.After < 100 && w.sale.Status != domain.SaleStatusCompleted:
		status = domain.ChecklistActive
	}
	now := e.stamp()
	if err := w.repo.UpdateChecklistProgress(ctx, w.checklist.ID, out.After, status, now); err != nil {
		return out, err
	}
	w.checklist.ProgressCached = out.After
	w.checklist.Status = status
	w.checklist.UpdatedAt = now
	return out, nil
}

func (e Engine) completionSignals(ctx context.Context, tx db.DBTX, w *workset, out outcome, caller auth.Caller) ([]flow.Signal, error) {
	if !out.SaleCompleted {
		return nil, nil
	}
	if err := e.appendEvent(ctx, tx, events.ChecklistCompleted, w.sale.ID, "checklist", w.checklist.ID, caller, events.EventPayload{
		"from": out.Before, "to": out.After, "sale_status": w.sale.Status,
	}); err != nil {
		return nil, err
	}
	return []flow.Signal{{
		Type:      flow.SignalSaleCompleted,
		Audiences: []flow.Audience{flow.AudienceAdmins, flow.AudienceAgent, flow.AudienceClient},
		Sale:      w.sale,
		Extra:     map[string]any{"progress": out.After},
	}}, nil
}

// milestoneSignal fires when the stage turned complete for the client in
// this mutation.
func milestoneSignal(w *workset, stageID string, after []domain.Item) []flow.Signal {
	if stageID == "" {
		return nil
	}
	if flow.StageCompleteForClient(w.idx, stageID, w.before) || !flow.StageCompleteForClient(w.idx, stageID, after) {
		return nil
	}
	stage, _ := w.idx.Stage(stageID)
	return []flow.Signal{{
		Type:      flow.SignalClientMilestone,
		Audiences: []flow.Audience{flow.AudienceClient, flow.AudienceAgent},
		Sale:      w.sale,
		Extra:     map[string]any{"stage_id": stage.ID, "stage": stage.Label},
	}}
}

func itemSignal(typ flow.SignalType, w *workset, it domain.Item, task domain.Task, extra map[string]any, audiences ...flow.Audience) flow.Signal {
	return flow.Signal{
		Type:      typ,
		Audiences: audiences,
		Sale:      w.sale,
		ItemID:    it.ID,
		ItemLabel: itemLabel(it, task),
		ItemState: flow.ToUI(it.State),
		Extra:     extra,
	}
}

func itemLabel(it domain.Item, task domain.Task) string {
	if it.Meta.Label != "" && it.Meta.Kind == domain.KindRepeat {
		return task.Label + " (" + it.Meta.Label + ")"
	}
	if it.Meta.Label != "" {
		return it.Meta.Label
	}
	return task.Label
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
