package repo

import (
	"context"
	"database/sql"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,sale_id,title,path,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.SaleID, d.Title, d.Path, d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	err := r.DB.QueryRowContext(ctx, `SELECT id,sale_id,title,path,created_at FROM documents WHERE id=?`, id).
		Scan(&d.ID, &d.SaleID, &d.Title, &d.Path, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}
