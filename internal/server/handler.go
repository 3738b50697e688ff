package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ultraub/WintEHR-sub013/internal/fhir"
	"github.com/ultraub/WintEHR-sub013/internal/importer"
	"github.com/ultraub/WintEHR-sub013/internal/search"
	"github.com/ultraub/WintEHR-sub013/internal/store"
)

// DocumentStore is the store surface the handlers need.
type DocumentStore interface {
	Put(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion int) (*store.Document, error)
	Get(ctx context.Context, resourceType, id string) (*store.Document, error)
	GetAtVersion(ctx context.Context, resourceType, id string, version int) (*store.Document, error)
	SoftDelete(ctx context.Context, resourceType, id string, expectedVersion int) (*store.Document, error)
	History(ctx context.Context, resourceType, id string) ([]*store.HistoryEntry, error)
}

// Searcher executes parsed search queries.
type Searcher interface {
	Search(ctx context.Context, q *search.Query) (*search.Result, error)
}

// BatchImporter runs bulk document imports.
type BatchImporter interface {
	Run(ctx context.Context, docs []importer.InputDoc) (*importer.Report, error)
}

type Handler struct {
	store    DocumentStore
	searcher Searcher
	importer BatchImporter
	registry *fhir.Registry
	log      zerolog.Logger
}

func NewHandler(st DocumentStore, searcher Searcher, imp BatchImporter, registry *fhir.Registry, log zerolog.Logger) *Handler {
	return &Handler{store: st, searcher: searcher, importer: imp, registry: registry, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/_import", h.Import)
	g.GET("/:type", h.Search)
	g.PUT("/:type/:id", h.Put)
	g.GET("/:type/:id", h.Get)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
}

// Put writes a new version of the document. An If-Match header carries
// the expected current version for optimistic concurrency; absent means
// last-writer-wins.
func (h *Handler) Put(c echo.Context) error {
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object")
	}

	expected, err := expectedVersion(c)
	if err != nil {
		return err
	}

	doc, err := h.store.Put(c.Request().Context(), c.Param("type"), c.Param("id"), body, expected)
	if err != nil {
		return h.mapError(err)
	}

	status := http.StatusOK
	if doc.Version == 1 {
		status = http.StatusCreated
	}
	c.Response().Header().Set("ETag", strconv.Itoa(doc.Version))
	return c.JSON(status, doc)
}

// Get reads the current version, or a specific one with ?_version=N.
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	resourceType, id := c.Param("type"), c.Param("id")

	if raw := c.QueryParam("_version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "_version must be a positive integer")
		}
		doc, err := h.store.GetAtVersion(ctx, resourceType, id, version)
		if err != nil {
			return h.mapError(err)
		}
		return c.JSON(http.StatusOK, doc)
	}

	doc, err := h.store.Get(ctx, resourceType, id)
	if err != nil {
		return h.mapError(err)
	}
	c.Response().Header().Set("ETag", strconv.Itoa(doc.Version))
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) Delete(c echo.Context) error {
	expected, err := expectedVersion(c)
	if err != nil {
		return err
	}
	doc, err := h.store.SoftDelete(c.Request().Context(), c.Param("type"), c.Param("id"), expected)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) History(c echo.Context) error {
	entries, err := h.store.History(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"entries": entries,
	})
}

func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	if !h.registry.HasType(resourceType) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown resource type "+resourceType)
	}

	q, err := search.ParseQuery(h.registry, resourceType, c.QueryParams())
	if err != nil {
		return h.mapError(err)
	}
	res, err := h.searcher.Search(c.Request().Context(), q)
	if err != nil {
		return h.mapError(err)
	}

	out := map[string]interface{}{
		"total":     res.Total,
		"count":     len(res.Documents),
		"offset":    q.Offset,
		"documents": res.Documents,
	}
	if len(res.Included) > 0 {
		out["included"] = res.Included
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Import(c echo.Context) error {
	var req struct {
		Documents []importer.InputDoc `json:"documents"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be {\"documents\": [...]}")
	}
	report, err := h.importer.Run(c.Request().Context(), req.Documents)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func expectedVersion(c echo.Context) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "If-Match must be a version number")
	}
	return v, nil
}

// mapError translates domain errors into HTTP status codes. Extraction
// failures are the caller's data problem, reported as unprocessable with
// the offending rule; anything unrecognized is a 500.
func (h *Handler) mapError(err error) error {
	var (
		unsupported *search.UnsupportedParamError
		extraction  *fhir.ExtractionError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMalformedDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &unsupported):
		return echo.NewHTTPError(http.StatusBadRequest, unsupported.Error())
	case errors.As(err, &extraction):
		h.log.Error().Str("resource_type", extraction.ResourceType).Str("rule", extraction.Param).Err(extraction.Err).Msg("extraction rejected write")
		return echo.NewHTTPError(http.StatusUnprocessableEntity, extraction.Error())
	default:
		h.log.Error().Err(err).Msg("internal error")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
