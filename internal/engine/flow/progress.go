package flow

import (
	"math/big"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// Index is a lookup view over one template version.
type Index struct {
	Template domain.Template
	tasks    map[string]domain.Task
	stages   map[string]domain.Stage
	byKey    map[string][]string
}

func NewIndex(t domain.Template) *Index {
	idx := &Index{
		Template: t,
		tasks:    map[string]domain.Task{},
		stages:   map[string]domain.Stage{},
		byKey:    map[string][]string{},
	}
	for _, s := range t.Stages {
		idx.stages[s.ID] = s
		for _, task := range s.Tasks {
			idx.tasks[task.ID] = task
			idx.byKey[task.Key] = append(idx.byKey[task.Key], task.ID)
		}
	}
	return idx
}

func (x *Index) Task(id string) (domain.Task, bool) {
	t, ok := x.tasks[id]
	return t, ok
}

func (x *Index) Stage(id string) (domain.Stage, bool) {
	s, ok := x.stages[id]
	return s, ok
}

// StageOf returns the stage of the item's task.
func (x *Index) StageOf(item domain.Item) (domain.Stage, bool) {
	t, ok := x.tasks[item.TaskID]
	if !ok {
		return domain.Stage{}, false
	}
	return x.Stage(t.StageID)
}

// TaskIDsByKey returns every task id carrying key, across stages.
func (x *Index) TaskIDsByKey(key string) []string {
	return x.byKey[key]
}

// ComputeProgress returns the weighted completion percentage of items.
// Container items and items of unknown tasks are ignored; na items count in
// neither numerator nor denominator. A stage whose items are all na still
// contributes its weight with a zero ratio. The result is rounded half up.
func ComputeProgress(idx *Index, items []domain.Item) int {
	type tally struct{ done, total int64 }
	tallies := map[string]*tally{}
	for _, it := range items {
		if it.IsContainer() {
			continue
		}
		stage, ok := idx.StageOf(it)
		if !ok {
			continue
		}
		t := tallies[stage.ID]
		if t == nil {
			t = &tally{}
			tallies[stage.ID] = t
		}
		if it.State == domain.StateNA {
			continue
		}
		t.total++
		if it.State.Done() {
			t.done++
		}
	}

	sum := new(big.Rat)
	var totalWeight int64
	for stageID, t := range tallies {
		w := int64(idx.stages[stageID].Weight)
		totalWeight += w
		if t.total == 0 {
			continue
		}
		sum.Add(sum, new(big.Rat).Mul(big.NewRat(t.done, t.total), big.NewRat(w, 1)))
	}
	if totalWeight == 0 {
		totalWeight = 1
	}
	pct := new(big.Rat).Mul(sum, big.NewRat(100, totalWeight))
	return clamp(roundHalfUp(pct), 0, 100)
}

func roundHalfUp(r *big.Rat) int {
	// floor((2n + d) / 2d) for n >= 0
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	q := new(big.Int).Div(num, den)
	return int(q.Int64())
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
