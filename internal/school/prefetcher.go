package school

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"attendance-service/common/metrics"

	"github.com/uptrace/bun"
)

var (
	ErrChildNotFound    = errors.New("child not found")
	ErrSchoolNotFound   = errors.New("school not found")
	ErrChildrenNotFound = errors.New("children not found in school")
)

// Prefetcher resolves children together with their school and guardians.
// Each call issues a fixed number of queries regardless of how many
// children or guardians are involved.
type Prefetcher interface {
	LoadChild(ctx context.Context, childID int) (*Child, error)
	LoadSchoolChildren(ctx context.Context, schoolID int, childIDs []int) (*School, error)
}

type prefetcher struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewPrefetcher(db bun.IDB, m *metrics.Metrics) Prefetcher {
	return &prefetcher{
		db:      db,
		metrics: m,
	}
}

func (p *prefetcher) LoadChild(ctx context.Context, childID int) (*Child, error) {
	start := time.Now()
	child := new(Child)
	err := p.db.NewSelect().
		Model(child).
		Relation("School").
		Relation("Guardians", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("g.id ASC")
		}).
		Where("c.id = ?", childID).
		Scan(ctx)

	p.metrics.Database.RecordQuery(ctx, "select", "children", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrChildNotFound, childID)
		}
		return nil, err
	}
	return child, nil
}

// LoadSchoolChildren returns the school with Children restricted to childIDs
// and each child's guardians loaded. Every requested id must belong to the school.
func (p *prefetcher) LoadSchoolChildren(ctx context.Context, schoolID int, childIDs []int) (*School, error) {
	ids := UniqueIDs(childIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no child ids requested", ErrChildrenNotFound)
	}

	start := time.Now()
	school := new(School)
	err := p.db.NewSelect().
		Model(school).
		Relation("Children", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("c.id IN (?)", bun.In(ids)).Order("c.id ASC")
		}).
		Relation("Children.Guardians", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("g.id ASC")
		}).
		Where("s.id = ?", schoolID).
		Scan(ctx)

	p.metrics.Database.RecordQuery(ctx, "select", "schools", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrSchoolNotFound, schoolID)
		}
		return nil, err
	}

	if len(school.Children) == 0 {
		return nil, fmt.Errorf("%w: school %d has none of %v", ErrChildrenNotFound, schoolID, ids)
	}
	if missing := missingIDs(ids, school.Children); len(missing) > 0 {
		return nil, fmt.Errorf("%w: school %d does not have %v", ErrChildrenNotFound, schoolID, missing)
	}

	return school, nil
}

// UniqueIDs returns ids without duplicates, sorted ascending.
func UniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func missingIDs(requested []int, found []*Child) []int {
	have := make(map[int]struct{}, len(found))
	for _, c := range found {
		have[c.ID] = struct{}{}
	}
	var missing []int
	for _, id := range requested {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
