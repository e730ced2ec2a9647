package repo

import (
	"context"
	"database/sql"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// UpsertSale mirrors a sale record from the CRM.
func (r Repo) UpsertSale(ctx context.Context, s domain.Sale) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sales(id,product,status,agent_id,client_id,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET product=excluded.product, status=excluded.status, agent_id=excluded.agent_id, client_id=excluded.client_id, updated_at=excluded.updated_at`,
		s.ID, s.Product, s.Status, nullable(s.AgentID), nullable(s.ClientID), s.UpdatedAt)
	return err
}

func (r Repo) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	var (
		s                 domain.Sale
		agentID, clientID sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,product,status,agent_id,client_id,updated_at FROM sales WHERE id=?`, id).
		Scan(&s.ID, &s.Product, &s.Status, &agentID, &clientID, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.AgentID = agentID.String
	s.ClientID = clientID.String
	return s, err
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,kind,name,email) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, name=excluded.name, email=excluded.email`,
		u.ID, u.Kind, nullable(u.Name), nullable(u.Email))
	return err
}

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var (
		u           domain.User
		name, email sql.NullString
	)
	if err := scan(&u.ID, &u.Kind, &name, &email); err != nil {
		return u, err
	}
	u.Name = name.String
	u.Email = email.String
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT id,kind,name,email FROM users WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// ListUsersByKind returns the users of one kind ordered by id.
func (r Repo) ListUsersByKind(ctx context.Context, kind domain.Role) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,name,email FROM users WHERE kind=? ORDER BY id ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
