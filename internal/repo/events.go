package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// EventFilters narrows an event listing; zero values match everything.
type EventFilters struct {
	SaleID     string
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEventsFrom returns events newest first, starting strictly below
// cursor when it is positive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SaleID != "" {
		clauses = append(clauses, "sale_id=?")
		args = append(args, f.SaleID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,sale_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, saleID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if saleID != "" {
		clauses = append(clauses, "sale_id=?")
		args = append(args, saleID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,sale_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                domain.Event
			saleID, entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &saleID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.SaleID = saleID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
