package importer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ultraub/WintEHR-sub013/internal/store"
)

// Writer is the slice of the store the importer needs.
type Writer interface {
	Put(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion int) (*store.Document, error)
}

// InputDoc is one document in an import batch.
type InputDoc struct {
	Type string                 `json:"type"`
	ID   string                 `json:"id"`
	Body map[string]interface{} `json:"body"`
}

// Failure records one document that could not be imported.
type Failure struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Err  string `json:"error"`
}

// Report summarizes an import run.
type Report struct {
	Imported int       `json:"imported"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Importer writes document batches with bounded concurrency. Each
// document is its own write; a failed document is recorded and the rest
// of the batch continues.
type Importer struct {
	writer  Writer
	workers int
	log     zerolog.Logger
}

func New(writer Writer, workers int, log zerolog.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{writer: writer, workers: workers, log: log}
}

// Run imports the batch and reports per-document outcomes. Only context
// cancellation aborts the run early.
func (im *Importer) Run(ctx context.Context, docs []InputDoc) (*Report, error) {
	report := &Report{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if doc.Type == "" || doc.ID == "" {
				mu.Lock()
				report.Failed++
				report.Failures = append(report.Failures, Failure{Type: doc.Type, ID: doc.ID, Err: "missing type or id"})
				mu.Unlock()
				return nil
			}

			_, err := im.writer.Put(gctx, doc.Type, doc.ID, doc.Body, 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, Failure{Type: doc.Type, ID: doc.ID, Err: err.Error()})
				im.log.Warn().Str("resource", doc.Type+"/"+doc.ID).Err(err).Msg("import document failed")
				return nil
			}
			report.Imported++
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("import aborted: %w", err)
	}
	im.log.Info().Int("imported", report.Imported).Int("failed", report.Failed).Msg("import complete")
	return report, nil
}
