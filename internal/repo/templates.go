package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

const templateColumns = `id,product,version,title,status`

func scanTemplate(scan func(dest ...any) error) (domain.Template, error) {
	var t domain.Template
	err := scan(&t.ID, &t.Product, &t.Version, &t.Title, &t.Status)
	return t, err
}

// InsertTemplate writes a template with its stages and tasks. Callers run it
// inside a transaction so a partially imported template is never visible.
func (r Repo) InsertTemplate(ctx context.Context, t domain.Template, createdAt string) error {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO templates(`+templateColumns+`,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Product, t.Version, t.Title, t.Status, createdAt); err != nil {
		return fmt.Errorf("insert template %s v%d: %w", t.Product, t.Version, err)
	}
	for _, s := range t.Stages {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO stages(id,template_id,key,label,ord,weight) VALUES (?,?,?,?,?,?)`,
			s.ID, t.ID, s.Key, s.Label, s.Order, s.Weight); err != nil {
			return fmt.Errorf("insert stage %s: %w", s.Key, err)
		}
		for _, task := range s.Tasks {
			deps := task.Dependencies
			if deps == nil {
				deps = []string{}
			}
			depsJSON, err := json.Marshal(deps)
			if err != nil {
				return err
			}
			if _, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,stage_id,key,label,ord,role_scope,visibility,action_type,requires_review,is_repeatable,repeat_group,dependencies_json,default_due_days,evidence_required) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				task.ID, s.ID, task.Key, task.Label, task.Order, nullable(task.RoleScope), task.Visibility, task.ActionType,
				boolInt(task.RequiresReview), boolInt(task.IsRepeatable), nullable(string(task.RepeatGroup)),
				string(depsJSON), task.DefaultDueDays, boolInt(task.EvidenceRequired)); err != nil {
				return fmt.Errorf("insert task %s.%s: %w", s.Key, task.Key, err)
			}
		}
	}
	return nil
}

// TemplateVersionExists reports whether (product, version) is already in the catalog.
func (r Repo) TemplateVersionExists(ctx context.Context, product string, version int) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM templates WHERE product=? AND version=?`, product, version).Scan(&n)
	return n > 0, err
}

// ListTemplates returns template headers without stages, newest version first.
func (r Repo) ListTemplates(ctx context.Context, status domain.TemplateStatus) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY product ASC, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetTemplate loads a template with its ordered stages and their ordered tasks.
func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	stages, err := r.listStages(ctx, id)
	if err != nil {
		return t, err
	}
	tasks, err := r.listTemplateTasks(ctx, id)
	if err != nil {
		return t, err
	}
	byStage := make(map[string][]domain.Task, len(stages))
	for _, task := range tasks {
		byStage[task.StageID] = append(byStage[task.StageID], task)
	}
	for i := range stages {
		stages[i].Tasks = byStage[stages[i].ID]
	}
	t.Stages = stages
	return t, nil
}

func (r Repo) listStages(ctx context.Context, templateID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,key,label,ord,weight FROM stages WHERE template_id=? ORDER BY ord ASC, key ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.Key, &s.Label, &s.Order, &s.Weight); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) listTemplateTasks(ctx context.Context, templateID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id,t.stage_id,t.key,t.label,t.ord,COALESCE(t.role_scope,''),t.visibility,t.action_type,t.requires_review,t.is_repeatable,COALESCE(t.repeat_group,''),t.dependencies_json,t.default_due_days,t.evidence_required
FROM tasks t JOIN stages s ON s.id=t.stage_id
WHERE s.template_id=? ORDER BY s.ord ASC, t.ord ASC, t.key ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var (
			t                            domain.Task
			review, repeatable, evidence int
			deps                         string
		)
		if err := rows.Scan(&t.ID, &t.StageID, &t.Key, &t.Label, &t.Order, &t.RoleScope, &t.Visibility, &t.ActionType,
			&review, &repeatable, &t.RepeatGroup, &deps, &t.DefaultDueDays, &evidence); err != nil {
			return nil, err
		}
		t.RequiresReview = review != 0
		t.IsRepeatable = repeatable != 0
		t.EvidenceRequired = evidence != 0
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("task %s dependencies: %w", t.ID, err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
