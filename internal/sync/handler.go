package sync

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinops/clinops/pkg/pagination"
)

// Local entity statuses written back after a pass.
const (
	LocalStatusSynced     = "synced"
	LocalStatusFailed     = "failed"
	LocalStatusConflicted = "conflicted"
)

// LocalSource supplies pending local entities for a sync pass and receives
// per-entity status write-backs afterwards.
type LocalSource interface {
	PendingPatients(ctx context.Context) ([]*PatientRecord, error)
	PendingRecords(ctx context.Context) ([]*MedicalRecordEntry, error)
	UpdateEntityStatus(ctx context.Context, ref EntityRef, status string) error
}

// Handler exposes the engine's actions and read-only state over HTTP.
// Every response body is a snapshot; nothing hands out live engine state.
type Handler struct {
	engine *Engine
	source LocalSource
	logger zerolog.Logger
}

// NewHandler creates a handler around the engine and its local source.
func NewHandler(engine *Engine, source LocalSource, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, source: source, logger: logger}
}

// RegisterRoutes mounts the sync API under the given group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sync", h.TriggerSync)
	api.GET("/sync/result", h.GetLastResult)
	api.GET("/sync/health", h.GetHealth)
	api.GET("/sync/queue", h.GetQueue)
	api.GET("/sync/conflicts", h.ListConflicts)
	api.POST("/sync/conflicts/:id/resolve", h.ResolveConflict)
	api.POST("/sync/retry", h.RetryFailed)
	api.POST("/sync/monitor/start", h.StartMonitoring)
	api.POST("/sync/monitor/stop", h.StopMonitoring)
	api.POST("/sync/reset", h.Reset)
}

// TriggerSync loads pending local entities and runs one orchestration pass.
func (h *Handler) TriggerSync(c echo.Context) error {
	var opts Options
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	patients, err := h.source.PendingPatients(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load pending patients: "+err.Error())
	}
	records, err := h.source.PendingRecords(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load pending records: "+err.Error())
	}

	result, err := h.engine.PerformBidirectionalSync(ctx, patients, records, opts)
	if err != nil {
		if errors.Is(err, ErrAuthenticationRequired) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.writeBackStatuses(ctx, patients, records, result)
	return c.JSON(http.StatusOK, result)
}

// writeBackStatuses marks each submitted entity in the local store according
// to the pass outcome. Write-back failures are logged, not surfaced: the pass
// itself already succeeded.
func (h *Handler) writeBackStatuses(ctx context.Context, patients []*PatientRecord, records []*MedicalRecordEntry, result *SyncResult) {
	status := make(map[EntityRef]string, result.Failed+result.Conflicted)
	for _, e := range result.Errors {
		status[e.Entity] = LocalStatusFailed
	}
	for _, cr := range result.Conflicts {
		status[cr.Entity] = LocalStatusConflicted
	}

	apply := func(ref EntityRef) {
		st, ok := status[ref]
		if !ok {
			st = LocalStatusSynced
		}
		if err := h.source.UpdateEntityStatus(ctx, ref, st); err != nil {
			h.logger.Warn().Err(err).
				Str("entity_type", string(ref.Type)).
				Stringer("entity_id", ref.ID).
				Msg("status write-back failed")
		}
	}
	for _, p := range patients {
		apply(EntityRef{Type: EntityPatient, ID: p.ID})
	}
	for _, r := range records {
		apply(EntityRef{Type: EntityRecord, ID: r.ID})
	}
}

// GetLastResult returns the most recent pass result.
func (h *Handler) GetLastResult(c echo.Context) error {
	result := h.engine.LastResult()
	if result == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no sync pass has run yet")
	}
	return c.JSON(http.StatusOK, result)
}

// GetHealth returns the current health snapshot.
func (h *Handler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Health())
}

// GetQueue returns the retry queue length and its queued operations.
func (h *Handler) GetQueue(c echo.Context) error {
	ops := h.engine.QueueSnapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"length":     len(ops),
		"operations": ops,
	})
}

// ListConflicts returns the active conflict records, paginated.
func (h *Handler) ListConflicts(c echo.Context) error {
	params := pagination.FromContext(c)
	all := h.engine.Conflicts()

	lo, hi := params.Slice(len(all))
	return c.JSON(http.StatusOK, pagination.NewResponse(all[lo:hi], len(all), params.Limit, params.Offset))
}

// ResolveConflict applies an operator's resolution to one conflict.
func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict id")
	}

	var body struct {
		Resolution ConflictResolution `json:"resolution"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !body.Resolution.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "resolution must be use_local, use_remote, or merge")
	}

	resolved, err := h.engine.ResolveConflict(c.Request().Context(), id, body.Resolution)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	if h.source != nil {
		if uerr := h.source.UpdateEntityStatus(c.Request().Context(), resolved.Entity, LocalStatusSynced); uerr != nil {
			h.logger.Warn().Err(uerr).Msg("status write-back after resolution failed")
		}
	}
	return c.JSON(http.StatusOK, resolved)
}

// RetryFailed runs one retry pass over the queue. Entities that recover are
// marked synced locally so the next pass does not push them again.
func (h *Handler) RetryFailed(c echo.Context) error {
	ctx := c.Request().Context()
	out := h.engine.RetryFailed(ctx)
	for _, ref := range out.Recovered {
		if err := h.source.UpdateEntityStatus(ctx, ref, LocalStatusSynced); err != nil {
			h.logger.Warn().Err(err).
				Str("entity_type", string(ref.Type)).
				Stringer("entity_id", ref.ID).
				Msg("status write-back after retry failed")
		}
	}
	return c.JSON(http.StatusOK, out)
}

// StartMonitoring activates continuous health monitoring.
func (h *Handler) StartMonitoring(c echo.Context) error {
	h.engine.StartMonitoring()
	return c.JSON(http.StatusOK, map[string]string{"status": string(h.engine.Monitor().Status())})
}

// StopMonitoring stops health monitoring; idempotent.
func (h *Handler) StopMonitoring(c echo.Context) error {
	h.engine.StopMonitoring()
	return c.JSON(http.StatusOK, map[string]string{"status": string(h.engine.Monitor().Status())})
}

// Reset restores the engine to its initial empty state.
func (h *Handler) Reset(c echo.Context) error {
	h.engine.Reset()
	return c.NoContent(http.StatusNoContent)
}
