package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
	"github.com/ultraub/WintEHR-sub013/internal/store"
)

// DocSource resolves documents for _include expansion. *store.Store
// satisfies it.
type DocSource interface {
	Get(ctx context.Context, resourceType, id string) (*store.Document, error)
	FindByID(ctx context.Context, id string) ([]*store.Document, error)
}

// Result is one page of a search: the total match count across all
// pages, the page's documents, and any documents pulled in by _include.
type Result struct {
	Total     int
	Documents []*store.Document
	Included  []*store.Document
}

// Searcher plans and executes searches against the index tables.
type Searcher struct {
	pool     *pgxpool.Pool
	registry *fhir.Registry
	docs     DocSource
	log      zerolog.Logger
}

func NewSearcher(pool *pgxpool.Pool, registry *fhir.Registry, docs DocSource, log zerolog.Logger) *Searcher {
	return &Searcher{pool: pool, registry: registry, docs: docs, log: log}
}

// Search runs a parsed query: count, page, then include expansion. The
// page carries full bodies so no second round trip per document is
// needed.
func (s *Searcher) Search(ctx context.Context, q *Query) (*Result, error) {
	plan, err := BuildPlan(s.registry, q)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if err := s.pool.QueryRow(ctx, plan.CountSQL(), plan.CountArgs(q.Type)...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("count %s search: %w", q.Type, err)
	}
	if res.Total == 0 || q.Limit == 0 {
		return res, nil
	}

	rows, err := s.pool.Query(ctx, plan.PageSQL(), plan.PageArgs(q.Type, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("page %s search: %w", q.Type, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d    store.Document
			body []byte
		)
		if err := rows.Scan(&d.Type, &d.ID, &d.Version, &d.Deleted, &body, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(body, &d.Body); err != nil {
			return nil, fmt.Errorf("decode %s/%s body: %w", d.Type, d.ID, err)
		}
		res.Documents = append(res.Documents, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s search: %w", q.Type, err)
	}

	if len(q.Includes) > 0 && len(res.Documents) > 0 {
		included, err := s.expandIncludes(ctx, q, res.Documents)
		if err != nil {
			return nil, err
		}
		res.Included = included
	}
	return res, nil
}

// expandIncludes resolves the canonical references recorded for the
// named parameters on the page's documents. Typed targets resolve
// directly; an untyped target falls back to an ID lookup across all
// types. Targets that are absent or deleted are silently skipped.
func (s *Searcher) expandIncludes(ctx context.Context, q *Query, docs []*store.Document) ([]*store.Document, error) {
	ids := make([]string, 0, len(docs))
	pageKeys := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
		pageKeys[d.Key()] = struct{}{}
	}

	var included []*store.Document
	seen := make(map[string]struct{})
	add := func(d *store.Document) {
		if _, onPage := pageKeys[d.Key()]; onPage {
			return
		}
		if _, dup := seen[d.Key()]; dup {
			return
		}
		seen[d.Key()] = struct{}{}
		included = append(included, d)
	}

	for _, param := range q.Includes {
		refs, err := s.includeTargets(ctx, q.Type, ids, param)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.Typed() {
				doc, err := s.docs.Get(ctx, ref.Type, ref.ID)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						continue
					}
					return nil, err
				}
				add(doc)
				continue
			}
			matches, err := s.docs.FindByID(ctx, ref.ID)
			if err != nil {
				return nil, err
			}
			for _, doc := range matches {
				add(doc)
			}
		}
	}
	return included, nil
}

func (s *Searcher) includeTargets(ctx context.Context, resourceType string, ids []string, param string) ([]fhir.Ref, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ref_type, ref_id FROM index_rows
		WHERE resource_type = $1 AND resource_id = ANY($2) AND param_name = $3 AND param_kind = 'reference'`,
		resourceType, ids, param)
	if err != nil {
		return nil, fmt.Errorf("resolve _include %s: %w", param, err)
	}
	defer rows.Close()

	var refs []fhir.Ref
	for rows.Next() {
		var (
			refType *string
			refID   string
		)
		if err := rows.Scan(&refType, &refID); err != nil {
			return nil, fmt.Errorf("resolve _include %s: %w", param, err)
		}
		ref := fhir.Ref{ID: refID}
		if refType != nil {
			ref.Type = *refType
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
