package repo

import (
	"context"
	"database/sql"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

const checklistColumns = `id,sale_id,template_id,template_version,status,progress_cached,created_at,updated_at`

func scanChecklist(row *sql.Row) (domain.Checklist, error) {
	var c domain.Checklist
	err := row.Scan(&c.ID, &c.SaleID, &c.TemplateID, &c.TemplateVersion, &c.Status, &c.ProgressCached, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// InsertChecklist creates the header row. It reports false when a checklist
// for (sale_id, template_id) already exists, leaving the existing row intact.
func (r Repo) InsertChecklist(ctx context.Context, c domain.Checklist) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO checklists(`+checklistColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(sale_id, template_id) DO NOTHING`,
		c.ID, c.SaleID, c.TemplateID, c.TemplateVersion, c.Status, c.ProgressCached, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ChecklistForSale returns the oldest checklist of the sale.
func (r Repo) ChecklistForSale(ctx context.Context, saleID string) (domain.Checklist, error) {
	return scanChecklist(r.DB.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE sale_id=? ORDER BY created_at ASC, id ASC LIMIT 1`, saleID))
}

func (r Repo) ChecklistForSaleTemplate(ctx context.Context, saleID, templateID string) (domain.Checklist, error) {
	return scanChecklist(r.DB.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE sale_id=? AND template_id=?`, saleID, templateID))
}

// UpdateChecklistProgress stores the recomputed progress and status.
func (r Repo) UpdateChecklistProgress(ctx context.Context, id string, progress int, status domain.ChecklistStatus, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE checklists SET progress_cached=?, status=?, updated_at=? WHERE id=?`, progress, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
