// Package catalog is the read-only template catalog: versioned templates with
// ordered stages and tasks, seeded from YAML.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// File is the YAML document accepted by Import.
type File struct {
	Templates []domain.Template `yaml:"templates"`
}

type Catalog struct {
	DB  db.DBTX
	UoW db.UnitOfWork
	Now func() time.Time
}

// ImportResult lists what Import wrote and what it left alone.
type ImportResult struct {
	Created []domain.Template `json:"created"`
	Skipped []string          `json:"skipped"`
}

// Active returns the highest-version active template whose product key is
// contained, case-insensitively, in the sale product.
func (c Catalog) Active(ctx context.Context, product string) (domain.Template, error) {
	r := repo.Repo{DB: c.DB}
	return active(ctx, r, product)
}

func active(ctx context.Context, r repo.Repo, product string) (domain.Template, error) {
	headers, err := r.ListTemplates(ctx, domain.TemplateActive)
	if err != nil {
		return domain.Template{}, err
	}
	needle := strings.ToLower(product)
	var best *domain.Template
	for i := range headers {
		h := headers[i]
		key := strings.ToLower(strings.TrimSpace(h.Product))
		if key == "" || !strings.Contains(needle, key) {
			continue
		}
		if best == nil || h.Version > best.Version || (h.Version == best.Version && len(h.Product) > len(best.Product)) {
			best = &h
		}
	}
	if best == nil {
		return domain.Template{}, repo.ErrNotFound
	}
	return r.GetTemplate(ctx, best.ID)
}

// ActiveTx resolves the active template on an open transaction.
func ActiveTx(ctx context.Context, tx db.DBTX, product string) (domain.Template, error) {
	return active(ctx, repo.Repo{DB: tx}, product)
}

// Get loads one template with its ordered stages and tasks.
func (c Catalog) Get(ctx context.Context, id string) (domain.Template, error) {
	return repo.Repo{DB: c.DB}.GetTemplate(ctx, id)
}

// List returns template headers, optionally filtered by status.
func (c Catalog) List(ctx context.Context, status domain.TemplateStatus) ([]domain.Template, error) {
	return repo.Repo{DB: c.DB}.ListTemplates(ctx, status)
}

// Parse decodes and validates a catalog file.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if len(f.Templates) == 0 {
		return f, errors.New("catalog has no templates")
	}
	for i := range f.Templates {
		if err := normalize(&f.Templates[i]); err != nil {
			return f, err
		}
	}
	return f, nil
}

func ParseFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Import writes every template of f that is not yet in the catalog. Existing
// (product, version) pairs are skipped: published templates are immutable.
func (c Catalog) Import(ctx context.Context, f File) (ImportResult, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	var res ImportResult
	err := c.UoW.WithinTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		r := repo.Repo{DB: tx}
		for _, t := range f.Templates {
			exists, err := r.TemplateVersionExists(ctx, t.Product, t.Version)
			if err != nil {
				return err
			}
			if exists {
				res.Skipped = append(res.Skipped, fmt.Sprintf("%s v%d", t.Product, t.Version))
				continue
			}
			if err := r.InsertTemplate(ctx, t, ts); err != nil {
				return err
			}
			res.Created = append(res.Created, t)
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

func normalize(t *domain.Template) error {
	if strings.TrimSpace(t.Product) == "" {
		return errors.New("template product is required")
	}
	name := fmt.Sprintf("template %s v%d", t.Product, t.Version)
	if t.Version <= 0 {
		return fmt.Errorf("%s: version must be positive", name)
	}
	if t.Status == "" {
		t.Status = domain.TemplateActive
	}
	switch t.Status {
	case domain.TemplateDraft, domain.TemplateActive, domain.TemplateArchived:
	default:
		return fmt.Errorf("%s: unknown status %q", name, t.Status)
	}
	if t.Title == "" {
		t.Title = t.Product
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("%s: at least one stage is required", name)
	}
	stageKeys := map[string]bool{}
	taskKeys := map[string]bool{}
	for si := range t.Stages {
		s := &t.Stages[si]
		if s.Key == "" {
			return fmt.Errorf("%s: stage %d has no key", name, si)
		}
		if stageKeys[s.Key] {
			return fmt.Errorf("%s: duplicate stage key %s", name, s.Key)
		}
		stageKeys[s.Key] = true
		if s.Weight < 0 {
			return fmt.Errorf("%s: stage %s weight must not be negative", name, s.Key)
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.Label == "" {
			s.Label = s.Key
		}
		if s.Order == 0 {
			s.Order = si + 1
		}
		s.TemplateID = t.ID
		seen := map[string]bool{}
		for ti := range s.Tasks {
			task := &s.Tasks[ti]
			if err := normalizeTask(name, s, ti, task); err != nil {
				return err
			}
			if seen[task.Key] {
				return fmt.Errorf("%s: duplicate task key %s in stage %s", name, task.Key, s.Key)
			}
			seen[task.Key] = true
			taskKeys[task.Key] = true
		}
	}
	for _, s := range t.Stages {
		for _, task := range s.Tasks {
			for _, dep := range task.Dependencies {
				if !taskKeys[dep] {
					return fmt.Errorf("%s: task %s depends on unknown task %s", name, task.Key, dep)
				}
			}
		}
	}
	return nil
}

func normalizeTask(name string, s *domain.Stage, idx int, task *domain.Task) error {
	if task.Key == "" {
		return fmt.Errorf("%s: stage %s task %d has no key", name, s.Key, idx)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Label == "" {
		task.Label = task.Key
	}
	if task.Order == 0 {
		task.Order = idx + 1
	}
	task.StageID = s.ID
	if task.Visibility == "" {
		task.Visibility = domain.VisibleAll
	}
	switch task.Visibility {
	case domain.VisibleAdmin, domain.VisibleAgent, domain.VisibleClient, domain.VisibleAll:
	default:
		return fmt.Errorf("%s: task %s has unknown visibility %q", name, task.Key, task.Visibility)
	}
	if task.ActionType == "" {
		task.ActionType = domain.ActionInfo
	}
	switch task.ActionType {
	case domain.ActionInfo, domain.ActionFileUpload, domain.ActionReview, domain.ActionInternal, domain.ActionSendToVendor:
	default:
		return fmt.Errorf("%s: task %s has unknown action_type %q", name, task.Key, task.ActionType)
	}
	if task.RepeatGroup != "" && !domain.ValidRepeatGroup(task.RepeatGroup) {
		return fmt.Errorf("%s: task %s has unknown repeat_group %q", name, task.Key, task.RepeatGroup)
	}
	if task.DefaultDueDays < 0 {
		return fmt.Errorf("%s: task %s default_due_days must not be negative", name, task.Key)
	}
	return nil
}
