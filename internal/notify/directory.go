package notify

import (
	"context"
	"errors"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// Directory resolves notification audiences to users.
type Directory interface {
	Admins(ctx context.Context) ([]domain.User, error)
	User(ctx context.Context, id string) (domain.User, error)
}

// RepoDirectory reads the mirrored users table.
type RepoDirectory struct {
	DB db.DBTX
}

func (d RepoDirectory) Admins(ctx context.Context) ([]domain.User, error) {
	return repo.Repo{DB: d.DB}.ListUsersByKind(ctx, domain.RoleAdmin)
}

// User returns a bare user with only the id when the sale references a user
// that has not been mirrored yet.
func (d RepoDirectory) User(ctx context.Context, id string) (domain.User, error) {
	u, err := repo.Repo{DB: d.DB}.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{ID: id}, nil
	}
	return u, err
}
