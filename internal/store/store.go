package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
)

// Store is the durable, versioned document store. Every successful write
// regenerates the document's index rows and reference edges inside the
// same transaction as the document row and its history entry, so a
// reader can never observe a document whose index lags or leads its
// body: the commit is the publication point.
type Store struct {
	pool      *pgxpool.Pool
	extractor *fhir.Extractor
	log       zerolog.Logger
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// New creates a Store over the given pool and parameter registry. The
// store itself serves as the extractor's reference-type resolver, so
// opaque reference tokens are matched against already-stored documents.
func New(pool *pgxpool.Pool, registry *fhir.Registry, log zerolog.Logger) *Store {
	s := &Store{pool: pool, log: log}
	s.extractor = fhir.NewExtractor(registry, s)
	return s
}

// Extractor exposes the store's extractor, mainly so tests and rebuild
// tooling can re-derive rows for comparison against the index tables.
func (s *Store) Extractor() *fhir.Extractor { return s.extractor }

const docCols = `resource_type, resource_id, version, deleted, body, updated_at`

// Put writes a new version of the document: version 1 if absent,
// current+1 otherwise. A non-zero expectedVersion enforces optimistic
// concurrency and fails with ErrConflict on mismatch. The document row,
// its history entry and its full index regeneration commit as one unit;
// any extraction failure rolls the whole write back.
func (s *Store) Put(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion int) (*Document, error) {
	if body == nil {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrMalformedDocument)
	}
	return s.write(ctx, resourceType, id, body, expectedVersion, false)
}

// SoftDelete writes a new version with deleted=true and a tombstoned
// body, subject to the same optimistic-concurrency check as Put. The
// regeneration of the (empty) index row set happens in the same
// transaction, so the document stops matching searches exactly when the
// deletion commits.
func (s *Store) SoftDelete(ctx context.Context, resourceType, id string, expectedVersion int) (*Document, error) {
	return s.write(ctx, resourceType, id, map[string]interface{}{}, expectedVersion, true)
}

func (s *Store) write(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion int, deleted bool) (*Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin write %s/%s: %w", resourceType, id, err)
	}
	defer tx.Rollback(ctx)

	// Lock the current row so writers to the same key serialize; writers
	// to other keys are unaffected.
	var current int
	err = tx.QueryRow(ctx,
		`SELECT version FROM documents WHERE resource_type = $1 AND resource_id = $2 FOR UPDATE`,
		resourceType, id).Scan(&current)
	exists := true
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("read current version %s/%s: %w", resourceType, id, err)
		}
		exists = false
		current = 0
	}

	if deleted && !exists {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != current {
		return nil, fmt.Errorf("%s/%s: expected version %d, current %d: %w",
			resourceType, id, expectedVersion, current, ErrConflict)
	}

	doc := &Document{
		Type:    resourceType,
		ID:      id,
		Version: current + 1,
		Deleted: deleted,
		Body:    body,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w: %v", resourceType, id, ErrMalformedDocument, err)
	}

	if exists {
		err = tx.QueryRow(ctx, `
			UPDATE documents SET version = $3, deleted = $4, body = $5, updated_at = NOW()
			WHERE resource_type = $1 AND resource_id = $2
			RETURNING updated_at`,
			resourceType, id, doc.Version, deleted, bodyJSON).Scan(&doc.UpdatedAt)
	} else {
		err = tx.QueryRow(ctx, `
			INSERT INTO documents (resource_type, resource_id, version, deleted, body)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING updated_at`,
			resourceType, id, doc.Version, deleted, bodyJSON).Scan(&doc.UpdatedAt)
	}
	if err != nil {
		// Two concurrent creates race past the empty FOR UPDATE read; the
		// loser hits the primary key and reports it as a version conflict.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%s/%s: concurrent create: %w", resourceType, id, ErrConflict)
		}
		return nil, fmt.Errorf("write document %s/%s: %w", resourceType, id, err)
	}

	op := OpUpdate
	switch {
	case deleted:
		op = OpDelete
	case !exists:
		op = OpCreate
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO document_history (resource_type, resource_id, version, operation, body)
		VALUES ($1, $2, $3, $4, $5)`,
		resourceType, id, doc.Version, op, bodyJSON); err != nil {
		return nil, fmt.Errorf("append history %s/%s v%d: %w", resourceType, id, doc.Version, err)
	}

	if err := s.reindex(ctx, tx, resourceType, id, body); err != nil {
		var xerr *fhir.ExtractionError
		if errors.As(err, &xerr) {
			s.log.Error().
				Str("resource", resourceType+"/"+id).
				Str("rule", xerr.Param).
				Err(xerr.Err).
				Msg("extraction failed, write rolled back")
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit write %s/%s: %w", resourceType, id, err)
	}
	return doc, nil
}

// reindex deletes and regenerates every index row and reference edge for
// the document. Full regeneration, never incremental patching: the rows
// cannot drift from the body because they never survive it.
func (s *Store) reindex(ctx context.Context, q querier, resourceType, id string, body map[string]interface{}) error {
	if _, err := q.Exec(ctx,
		`DELETE FROM index_rows WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id); err != nil {
		return fmt.Errorf("clear index rows %s/%s: %w", resourceType, id, err)
	}
	if _, err := q.Exec(ctx,
		`DELETE FROM reference_edges WHERE source_type = $1 AND source_id = $2`,
		resourceType, id); err != nil {
		return fmt.Errorf("clear reference edges %s/%s: %w", resourceType, id, err)
	}

	rows, edges, err := s.extractor.Extract(ctx, resourceType, body)
	if err != nil {
		return err
	}

	for _, row := range rows {
		var refType interface{}
		var refID interface{}
		if row.Kind == fhir.KindReference {
			refID = row.Ref.ID
			if row.Ref.Typed() {
				refType = row.Ref.Type
			}
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO index_rows (resource_type, resource_id, param_name, param_kind, occurrence,
				value_text, value_number, value_ts_low, value_ts_high, token_system, token_code, ref_type, ref_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			resourceType, id, row.ParamName, string(row.Kind), row.Occurrence,
			nullStr(row.ValueText), row.ValueNumber, row.ValueLow, row.ValueHigh,
			nullStr(row.TokenSystem), nullStr(row.TokenCode), refType, refID,
		); err != nil {
			return fmt.Errorf("insert index row %s/%s %s: %w", resourceType, id, row.ParamName, err)
		}
	}

	for _, edge := range edges {
		var targetType interface{}
		if edge.Ref.Typed() {
			targetType = edge.Ref.Type
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO reference_edges (source_type, source_id, field_path, target_type, target_id)
			VALUES ($1,$2,$3,$4,$5)`,
			resourceType, id, edge.FieldPath, targetType, edge.Ref.ID,
		); err != nil {
			return fmt.Errorf("insert reference edge %s/%s %s: %w", resourceType, id, edge.FieldPath, err)
		}
	}
	return nil
}

// Get returns the current version of the document. Deleted documents
// report ErrNotFound; use GetIncludeDeleted to read tombstones.
func (s *Store) Get(ctx context.Context, resourceType, id string) (*Document, error) {
	doc, err := s.GetIncludeDeleted(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, fmt.Errorf("%s/%s: deleted: %w", resourceType, id, ErrNotFound)
	}
	return doc, nil
}

// GetIncludeDeleted returns the current version even when it is a
// deletion tombstone.
func (s *Store) GetIncludeDeleted(ctx context.Context, resourceType, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+docCols+` FROM documents WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id)
	doc, err := scanDoc(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	return doc, nil
}

// GetAtVersion reads a specific version from the history ledger.
func (s *Store) GetAtVersion(ctx context.Context, resourceType, id string, version int) (*Document, error) {
	var (
		op      string
		body    []byte
		written time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT operation, body, written_at FROM document_history
		WHERE resource_type = $1 AND resource_id = $2 AND version = $3`,
		resourceType, id, version).Scan(&op, &body, &written)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s v%d: %w", resourceType, id, version, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s v%d: %w", resourceType, id, version, err)
	}

	doc := &Document{
		Type:      resourceType,
		ID:        id,
		Version:   version,
		Deleted:   op == OpDelete,
		UpdatedAt: written,
	}
	if err := json.Unmarshal(body, &doc.Body); err != nil {
		return nil, fmt.Errorf("decode %s/%s v%d body: %w", resourceType, id, version, err)
	}
	return doc, nil
}

// History returns every version ever written for the key, ordered by
// version ascending. An unknown key reports ErrNotFound.
func (s *Store) History(ctx context.Context, resourceType, id string) ([]*HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, resource_id, version, operation, body, written_at
		FROM document_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version ASC`,
		resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Type, &h.ID, &h.Version, &h.Operation, &h.Body, &h.WrittenAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history %s/%s: %w", resourceType, id, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return entries, nil
}

// FindByID returns every non-deleted document with the given identifier,
// regardless of type. Untyped reference resolution leans on this during
// include expansion.
func (s *Store) FindByID(ctx context.Context, id string) ([]*Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+docCols+` FROM documents WHERE resource_id = $1 AND deleted = FALSE ORDER BY resource_type`,
		id)
	if err != nil {
		return nil, fmt.Errorf("find by id %s: %w", id, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ResolveRef implements fhir.RefResolver: an opaque reference token is
// matched against stored secondary identifiers first, falling back to a
// direct key match. Only an unambiguous single target resolves; anything
// else returns a zero Ref so the reference stays untyped under its
// original token and relies on the conservative ID-only match.
func (s *Store) ResolveRef(ctx context.Context, token string) (fhir.Ref, error) {
	refs, err := s.candidateRefs(ctx, `
		SELECT DISTINCT resource_type, resource_id FROM index_rows
		WHERE param_name = 'identifier' AND token_code = $1 LIMIT 2`, token)
	if err != nil {
		return fhir.Ref{}, err
	}
	if len(refs) == 1 {
		return refs[0], nil
	}

	refs, err = s.candidateRefs(ctx, `
		SELECT DISTINCT resource_type, resource_id FROM documents
		WHERE resource_id = $1 AND deleted = FALSE LIMIT 2`, token)
	if err != nil {
		return fhir.Ref{}, err
	}
	if len(refs) == 1 {
		return refs[0], nil
	}
	return fhir.Ref{}, nil
}

func (s *Store) candidateRefs(ctx context.Context, sql, arg string) ([]fhir.Ref, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("resolve reference: %w", err)
	}
	defer rows.Close()

	var refs []fhir.Ref
	for rows.Next() {
		var r fhir.Ref
		if err := rows.Scan(&r.Type, &r.ID); err != nil {
			return nil, fmt.Errorf("resolve reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func scanDoc(row pgx.Row) (*Document, error) {
	var d Document
	var body []byte
	if err := row.Scan(&d.Type, &d.ID, &d.Version, &d.Deleted, &body, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &d.Body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &d, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
