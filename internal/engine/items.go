package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/flow"
	"github.com/BenPearsey/vaportal-sub001/internal/events"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// MutationResult is returned by every item-level operation.
type MutationResult struct {
	Checklist domain.Checklist `json:"checklist"`
	Item      *domain.Item     `json:"item,omitempty"`
	Items     []domain.Item    `json:"items,omitempty"`
	Links     []domain.Link    `json:"links,omitempty"`
	Signals   []flow.Signal    `json:"signals"`
}

type UpdateStateInput struct {
	SaleID string
	ItemID string
	// State is a UI state or a DB state name.
	State string
	Note  *string
}

// gated lists the states the dependency gate guards.
var gated = map[domain.ItemState]bool{
	domain.StateInProgress: true,
	domain.StateApproved:   true,
	domain.StateComplete:   true,
}

// UpdateState sets an item's state directly. Admins only.
func (e Engine) UpdateState(ctx context.Context, caller auth.Caller, in UpdateStateInput) (res MutationResult, err error) {
	defer e.observe(ctx, "item.update_state", time.Now(), &err, map[string]any{"sale_id": in.SaleID, "item_id": in.ItemID, "state": in.State})

	if !flow.KnownState(in.State) {
		return res, ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", in.State)}
	}
	sale, _, err := e.loadSale(ctx, caller, in.SaleID, domain.RoleAdmin)
	if err != nil {
		return res, err
	}
	target := flow.ToDBState(in.State)

	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		it, task, err := w.item(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if e.config().Workflow.EnforceDependencies && gated[target] && !it.IsContainer() {
			if err := checkDependencies(w, task); err != nil {
				return err
			}
		}
		from := it.State
		it = flow.Apply(it, target, in.Note, e.stamp())
		if err := w.repo.UpdateItemState(ctx, it); err != nil {
			return err
		}
		it.Version++
		out, err := e.settle(ctx, w)
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ItemStateChanged, sale.ID, "item", it.ID, caller, events.EventPayload{
			"from": from, "to": it.State, "progress": out.After,
		}); err != nil {
			return err
		}

		extra := map[string]any{"from": string(flow.ToUI(from)), "to": string(flow.ToUI(it.State)), "progress": out.After}
		if in.Note != nil && *in.Note != "" {
			extra["note"] = *in.Note
		}
		signals := []flow.Signal{itemSignal(flow.SignalStateChanged, w, it, task, extra, flow.AudienceAdmins)}
		if !it.IsContainer() && flow.ClientActionRequired(task, it.State) {
			signals = append(signals, itemSignal(flow.SignalClientActionRequired, w, it, task, nil, flow.AudienceClient))
		}
		signals = append(signals, milestoneSignal(w, task.StageID, out.Items)...)
		done, err := e.completionSignals(ctx, tx, w, out, caller)
		if err != nil {
			return err
		}
		res = MutationResult{Checklist: w.checklist, Item: &it, Signals: append(signals, done...)}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}

// checkDependencies requires every item of each dependency task to be done
// or na. Dependency tasks without items, such as bundled ones, are skipped.
func checkDependencies(w *workset, task domain.Task) error {
	var pending []string
	for _, key := range task.Dependencies {
		ids := map[string]bool{}
		for _, id := range w.idx.TaskIDsByKey(key) {
			ids[id] = true
		}
		for _, it := range w.before {
			if it.IsContainer() || !ids[it.TaskID] {
				continue
			}
			if !it.State.Done() && it.State != domain.StateNA {
				pending = append(pending, key)
				break
			}
		}
	}
	if len(pending) > 0 {
		return DependencyError{TaskKey: task.Key, Pending: pending}
	}
	return nil
}

type UploadInput struct {
	SaleID string
	ItemID string
	Files  []docstore.File
}

// Upload stores evidence files for an item, links them and moves the item to
// pending_review or complete depending on whether its task needs review.
// Agents and clients only.
func (e Engine) Upload(ctx context.Context, caller auth.Caller, in UploadInput) (res MutationResult, err error) {
	defer e.observe(ctx, "item.upload", time.Now(), &err, map[string]any{"sale_id": in.SaleID, "item_id": in.ItemID, "files": len(in.Files)})

	if err := e.validateFiles(in.Files); err != nil {
		return res, err
	}
	if e.Docs == nil {
		return res, errors.New("document store not configured")
	}
	sale, role, err := e.loadSale(ctx, caller, in.SaleID, domain.RoleAgent, domain.RoleClient)
	if err != nil {
		return res, err
	}

	// Content goes to storage before the transaction; anything stored for a
	// rolled back upload is removed again.
	var paths []string
	cleanup := func() {
		rm, ok := e.Docs.(docstore.Remover)
		if !ok {
			return
		}
		for _, p := range paths {
			_ = rm.Remove(p)
		}
	}
	for _, f := range in.Files {
		f.SaleID = sale.ID
		p, err := e.Docs.Store(ctx, f)
		if err != nil {
			cleanup()
			return res, fmt.Errorf("store %s: %w", f.Name, err)
		}
		paths = append(paths, p)
	}

	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		it, task, err := w.item(ctx, in.ItemID)
		if err != nil {
			return err
		}
		if !task.VisibleTo(role) {
			return fmt.Errorf("item %s: %w", in.ItemID, errNotVisible)
		}
		if it.IsContainer() {
			return ValidationError{Field: "item_id", Reason: "container items take no uploads"}
		}
		docs := e.Docs
		if b, ok := docs.(docstore.TxBinder); ok {
			docs = b.WithTx(tx)
		}
		review, state := flow.AfterUpload(task)
		now := e.stamp()
		var links []domain.Link
		for i, f := range in.Files {
			docID, err := docs.CreateDocumentRecord(ctx, sale.ID, documentTitle(task, f), paths[i])
			if err != nil {
				return fmt.Errorf("document record %s: %w", f.Name, err)
			}
			l := domain.Link{
				ID:            uuid.NewString(),
				ItemID:        it.ID,
				DocumentModel: domain.DocumentModelSale,
				DocumentID:    docID,
				ReviewState:   review,
				Version:       1,
				CreatedAt:     now,
			}
			if err := w.repo.InsertLink(ctx, l); err != nil {
				return err
			}
			links = append(links, l)
		}
		from := it.State
		it = flow.Apply(it, state, nil, now)
		if err := w.repo.UpdateItemState(ctx, it); err != nil {
			return err
		}
		it.Version++
		out, err := e.settle(ctx, w)
		if err != nil {
			return err
		}
		docIDs := make([]string, 0, len(links))
		for _, l := range links {
			docIDs = append(docIDs, l.DocumentID)
		}
		if err := e.appendEvent(ctx, tx, events.ItemUploaded, sale.ID, "item", it.ID, caller, events.EventPayload{
			"from": from, "to": it.State, "documents": docIDs, "progress": out.After,
		}); err != nil {
			return err
		}

		extra := map[string]any{"files": len(links), "uploaded_by": caller.String()}
		signals := []flow.Signal{itemSignal(flow.SignalUploaded, w, it, task, extra, flow.AudienceAdmins)}
		if task.RequiresReview {
			signals = append(signals, itemSignal(flow.SignalPendingReview, w, it, task, nil, flow.AudienceAdmins))
		}
		signals = append(signals, milestoneSignal(w, task.StageID, out.Items)...)
		done, err := e.completionSignals(ctx, tx, w, out, caller)
		if err != nil {
			return err
		}
		res = MutationResult{Checklist: w.checklist, Item: &it, Links: links, Signals: append(signals, done...)}
		return nil
	})
	if err != nil {
		cleanup()
		return MutationResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}

var errNotVisible = fmt.Errorf("not visible to caller: %w", repo.ErrNotFound)

func (e Engine) validateFiles(files []docstore.File) error {
	cfg := e.config()
	if len(files) == 0 {
		return ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	if cfg.Uploads.MaxFiles > 0 && len(files) > cfg.Uploads.MaxFiles {
		return ValidationError{Field: "files", Reason: fmt.Sprintf("at most %d files per upload", cfg.Uploads.MaxFiles)}
	}
	for i, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return ValidationError{Field: fmt.Sprintf("files[%d].name", i), Reason: "required"}
		}
		if len(f.Data) == 0 {
			return ValidationError{Field: fmt.Sprintf("files[%d]", i), Reason: "empty file"}
		}
		if cfg.Uploads.MaxBytes > 0 && int64(len(f.Data)) > cfg.Uploads.MaxBytes {
			return ValidationError{Field: fmt.Sprintf("files[%d]", i), Reason: fmt.Sprintf("exceeds %d bytes", cfg.Uploads.MaxBytes)}
		}
	}
	return nil
}

func documentTitle(task domain.Task, f docstore.File) string {
	return task.Label + " - " + f.Name
}

type ReviewInput struct {
	SaleID   string
	ItemID   string
	LinkID   string
	Decision string
	Note     *string
	// ExpectedVersion, when positive, makes the review conditional on the
	// link still being at that version.
	ExpectedVersion int
}

// Review records an admin decision on one link and re-derives the item's
// state from all of its links.
func (e Engine) Review(ctx context.Context, caller auth.Caller, in ReviewInput) (res MutationResult, err error) {
	defer e.observe(ctx, "link.review", time.Now(), &err, map[string]any{"sale_id": in.SaleID, "item_id": in.ItemID, "link_id": in.LinkID, "decision": in.Decision})

	decision := domain.ReviewState(in.Decision)
	if decision != domain.ReviewApproved && decision != domain.ReviewRejected {
		return res, ValidationError{Field: "decision", Reason: "must be approved or rejected"}
	}
	sale, _, err := e.loadSale(ctx, caller, in.SaleID, domain.RoleAdmin)
	if err != nil {
		return res, err
	}

	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		it, task, err := w.item(ctx, in.ItemID)
		if err != nil {
			return err
		}
		link, err := w.repo.GetLink(ctx, it.ID, in.LinkID)
		if err != nil {
			return fmt.Errorf("link %s: %w", in.LinkID, err)
		}
		if in.ExpectedVersion > 0 && link.Version != in.ExpectedVersion {
			return fmt.Errorf("%w: link %s is at version %d", ErrConflict, link.ID, link.Version)
		}
		now := e.stamp()
		link.ReviewState = decision
		link.ReviewedBy = optionalString(caller.UserID)
		link.ReviewNote = nil
		if in.Note != nil && *in.Note != "" {
			link.ReviewNote = in.Note
		}
		link.ReviewedAt = &now
		ok, err := w.repo.UpdateLinkReview(ctx, link, in.ExpectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: link %s", ErrConflict, link.ID)
		}
		link.Version++

		links, err := w.repo.ListItemLinks(ctx, it.ID)
		if err != nil {
			return err
		}
		from := it.State
		it = flow.Apply(it, flow.Derive(task, links), nil, now)
		if err := w.repo.UpdateItemState(ctx, it); err != nil {
			return err
		}
		it.Version++
		out, err := e.settle(ctx, w)
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.LinkReviewed, sale.ID, "link", link.ID, caller, events.EventPayload{
			"item_id": it.ID, "decision": decision, "from": from, "to": it.State, "progress": out.After,
		}); err != nil {
			return err
		}

		extra := map[string]any{"decision": string(decision), "link_id": link.ID}
		if link.ReviewNote != nil {
			extra["note"] = *link.ReviewNote
		}
		signals := []flow.Signal{itemSignal(flow.SignalReviewed, w, it, task, extra, flow.AudienceAdmins)}
		if decision == domain.ReviewRejected && flow.ClientActionRequired(task, it.State) {
			signals = append(signals, itemSignal(flow.SignalClientActionRequired, w, it, task, extra, flow.AudienceClient))
		}
		signals = append(signals, milestoneSignal(w, task.StageID, out.Items)...)
		done, err := e.completionSignals(ctx, tx, w, out, caller)
		if err != nil {
			return err
		}
		res = MutationResult{Checklist: w.checklist, Item: &it, Links: links, Signals: append(signals, done...)}
		for i := range res.Links {
			if res.Links[i].ID == link.ID {
				res.Links[i] = link
			}
		}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}

type AddRepeatableInput struct {
	SaleID  string
	StageID string
	Group   string
	Label   string
}

// AddRepeatable appends one bundle of a repeat group to a stage: a container
// item plus one child per repeatable task of the group in that stage. The
// whole bundle is written in one transaction.
func (e Engine) AddRepeatable(ctx context.Context, caller auth.Caller, in AddRepeatableInput) (res MutationResult, err error) {
	defer e.observe(ctx, "item.add_repeatable", time.Now(), &err, map[string]any{"sale_id": in.SaleID, "stage_id": in.StageID, "group": in.Group})

	group := domain.RepeatGroup(strings.ToLower(strings.TrimSpace(in.Group)))
	if !domain.ValidRepeatGroup(group) {
		return res, ValidationError{Field: "group", Reason: fmt.Sprintf("unknown repeat group %q", in.Group)}
	}
	sale, _, err := e.loadSale(ctx, caller, in.SaleID, domain.RoleAdmin)
	if err != nil {
		return res, err
	}

	err = e.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		w, err := e.loadWorkset(ctx, tx, sale)
		if err != nil {
			return err
		}
		stage, ok := w.idx.Stage(in.StageID)
		if !ok {
			return fmt.Errorf("stage %s: %w", in.StageID, repo.ErrNotFound)
		}
		var tasks []domain.Task
		for _, t := range stage.Tasks {
			if t.IsRepeatable && t.RepeatGroup == group {
				tasks = append(tasks, t)
			}
		}
		if len(tasks) == 0 {
			return ValidationError{Field: "group", Reason: fmt.Sprintf("stage %s has no %s tasks", stage.Key, group)}
		}
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

		label := strings.TrimSpace(in.Label)
		if label == "" {
			n, err := w.repo.CountContainers(ctx, w.checklist.ID, stage.ID, group)
			if err != nil {
				return err
			}
			label = fmt.Sprintf("%s #%d", strings.ToUpper(string(group)), n+1)
		}
		now := e.now().UTC()
		container := newItem(w.checklist.ID, tasks[0], now, domain.ItemMeta{Kind: domain.KindContainer, Group: group, Label: label}, nil)
		if err := w.repo.InsertItem(ctx, container); err != nil {
			return fmt.Errorf("insert container: %w", err)
		}
		created := []domain.Item{container}
		for _, t := range tasks {
			child := newItem(w.checklist.ID, t, now, domain.ItemMeta{Kind: domain.KindRepeat, Group: group, Label: label}, &container.ID)
			if err := w.repo.InsertItem(ctx, child); err != nil {
				return fmt.Errorf("insert %s item: %w", t.Key, err)
			}
			created = append(created, child)
		}
		out, err := e.settle(ctx, w)
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.RepeatGroupAdded, sale.ID, "item", container.ID, caller, events.EventPayload{
			"stage_id": stage.ID, "group": group, "label": label, "children": len(tasks), "progress": out.After,
		}); err != nil {
			return err
		}
		res = MutationResult{
			Checklist: w.checklist,
			Item:      &container,
			Items:     created,
			Signals: []flow.Signal{{
				Type:      flow.SignalRepeatGroupAdded,
				Audiences: []flow.Audience{flow.AudienceAdmins},
				Sale:      sale,
				ItemID:    container.ID,
				ItemLabel: label,
				ItemState: flow.ToUI(container.State),
				Extra:     map[string]any{"stage": stage.Label, "group": string(group), "children": len(tasks)},
			}},
		}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	e.dispatch(ctx, res.Signals)
	return res, nil
}
