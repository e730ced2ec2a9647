package repo

import (
	"context"
	"database/sql"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

const linkColumns = `id,item_id,document_model,document_id,review_state,reviewed_by,review_note,reviewed_at,version,created_at`

func scanLink(scan func(dest ...any) error) (domain.Link, error) {
	var (
		l                    domain.Link
		by, note, reviewedAt sql.NullString
	)
	if err := scan(&l.ID, &l.ItemID, &l.DocumentModel, &l.DocumentID, &l.ReviewState, &by, &note, &reviewedAt, &l.Version, &l.CreatedAt); err != nil {
		return l, err
	}
	l.ReviewedBy = stringPtr(by)
	l.ReviewNote = stringPtr(note)
	l.ReviewedAt = stringPtr(reviewedAt)
	return l, nil
}

func (r Repo) InsertLink(ctx context.Context, l domain.Link) error {
	version := l.Version
	if version == 0 {
		version = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checklist_item_links(`+linkColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ItemID, l.DocumentModel, l.DocumentID, l.ReviewState, nullableStringPtr(l.ReviewedBy),
		nullableStringPtr(l.ReviewNote), nullableStringPtr(l.ReviewedAt), version, l.CreatedAt)
	return err
}

// GetLink returns the link only when it is attached to itemID.
func (r Repo) GetLink(ctx context.Context, itemID, linkID string) (domain.Link, error) {
	l, err := scanLink(r.DB.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM checklist_item_links WHERE id=? AND item_id=?`, linkID, itemID).Scan)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// ListLinks returns the links of the given items grouped by item id.
func (r Repo) ListLinks(ctx context.Context, itemIDs []string) (map[string][]domain.Link, error) {
	res := make(map[string][]domain.Link, len(itemIDs))
	if len(itemIDs) == 0 {
		return res, nil
	}
	args := make([]any, 0, len(itemIDs))
	for _, id := range itemIDs {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+linkColumns+` FROM checklist_item_links WHERE item_id IN (`+placeholders(len(itemIDs))+`) ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[l.ItemID] = append(res[l.ItemID], l)
	}
	return res, rows.Err()
}

func (r Repo) ListItemLinks(ctx context.Context, itemID string) ([]domain.Link, error) {
	m, err := r.ListLinks(ctx, []string{itemID})
	if err != nil {
		return nil, err
	}
	return m[itemID], nil
}

// UpdateLinkReview records a decision. When expectedVersion is positive the
// update only applies to that version; the returned bool is false when the
// row was not updated.
func (r Repo) UpdateLinkReview(ctx context.Context, l domain.Link, expectedVersion int) (bool, error) {
	query := `UPDATE checklist_item_links SET review_state=?, reviewed_by=?, review_note=?, reviewed_at=?, version=version+1 WHERE id=?`
	args := []any{l.ReviewState, nullableStringPtr(l.ReviewedBy), nullableStringPtr(l.ReviewNote), nullableStringPtr(l.ReviewedAt), l.ID}
	if expectedVersion > 0 {
		query += ` AND version=?`
		args = append(args, expectedVersion)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
