package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

const itemColumns = `id,checklist_id,task_id,parent_item_id,assignee_type,assignee_id,state,due_at,started_at,completed_at,blocked_reason,notes,meta_json,version,created_at,updated_at`

func scanItem(scan func(dest ...any) error) (domain.Item, error) {
	var (
		it                                     domain.Item
		parent, assigneeType, assigneeID       sql.NullString
		dueAt, startedAt, completedAt, blocked sql.NullString
		notes                                  sql.NullString
		meta                                   string
	)
	if err := scan(&it.ID, &it.ChecklistID, &it.TaskID, &parent, &assigneeType, &assigneeID, &it.State,
		&dueAt, &startedAt, &completedAt, &blocked, &notes, &meta, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return it, err
	}
	it.ParentItemID = stringPtr(parent)
	it.AssigneeType = stringPtr(assigneeType)
	it.AssigneeID = stringPtr(assigneeID)
	it.DueAt = stringPtr(dueAt)
	it.StartedAt = stringPtr(startedAt)
	it.CompletedAt = stringPtr(completedAt)
	it.BlockedReason = stringPtr(blocked)
	it.Notes = stringPtr(notes)
	if err := json.Unmarshal([]byte(meta), &it.Meta); err != nil {
		return it, fmt.Errorf("item %s meta: %w", it.ID, err)
	}
	if it.Meta.Kind == "" {
		it.Meta.Kind = domain.KindTask
	}
	return it, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (r Repo) InsertItem(ctx context.Context, it domain.Item) error {
	meta, err := json.Marshal(it.Meta)
	if err != nil {
		return err
	}
	version := it.Version
	if version == 0 {
		version = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO checklist_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ChecklistID, it.TaskID, nullableStringPtr(it.ParentItemID), nullableStringPtr(it.AssigneeType), nullableStringPtr(it.AssigneeID),
		it.State, nullableStringPtr(it.DueAt), nullableStringPtr(it.StartedAt), nullableStringPtr(it.CompletedAt),
		nullableStringPtr(it.BlockedReason), nullableStringPtr(it.Notes), string(meta), version, it.CreatedAt, it.UpdatedAt)
	return err
}

// GetItem returns the item only when it belongs to the checklist; an item of
// another sale is reported as not found.
func (r Repo) GetItem(ctx context.Context, checklistID, itemID string) (domain.Item, error) {
	it, err := scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE id=? AND checklist_id=?`, itemID, checklistID).Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ListItems returns every item of the checklist in creation order.
func (r Repo) ListItems(ctx context.Context, checklistID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE checklist_id=? ORDER BY created_at ASC, rowid ASC`, checklistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdateItemState writes the state columns and bumps the row version.
func (r Repo) UpdateItemState(ctx context.Context, it domain.Item) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE checklist_items SET state=?, started_at=?, completed_at=?, blocked_reason=?, notes=?, version=version+1, updated_at=? WHERE id=?`,
		it.State, nullableStringPtr(it.StartedAt), nullableStringPtr(it.CompletedAt), nullableStringPtr(it.BlockedReason),
		nullableStringPtr(it.Notes), it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountContainers returns how many bundles of group exist under the stage.
func (r Repo) CountContainers(ctx context.Context, checklistID, stageID string, group domain.RepeatGroup) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM checklist_items i JOIN tasks t ON t.id=i.task_id
WHERE i.checklist_id=? AND t.stage_id=? AND json_extract(i.meta_json,'$.kind')=? AND json_extract(i.meta_json,'$.group')=?`,
		checklistID, stageID, string(domain.KindContainer), string(group)).Scan(&n)
	return n, err
}
