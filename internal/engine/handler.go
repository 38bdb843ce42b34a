package engine

import (
	"errors"
	"net/http"
	"time"

	httperr "github.com/deltaview-lab/deltaview/internal/core/errors"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all admin API routes on the given router.
func (e *Engine) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/streams", e.HandleListStreams)
	r.GET("/v1/streams/:name", e.HandleGetStream)
	r.GET("/v1/streams/:name/results", e.HandleStreamResults)
	r.POST("/v1/streams/:name/refresh", e.HandleRefresh)
	r.POST("/v1/streams/:name/reconcile", e.HandleReconcile)
	r.PUT("/v1/streams/:name/query", e.HandleUpdateQuery)
}

// streamStatus is the API view of a registered stream table.
type streamStatus struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	SourceID            string    `json:"source_id"`
	Query               string    `json:"query"`
	CDCMode             string    `json:"cdc_mode"`
	FastPathEnabled     bool      `json:"fast_path_enabled"`
	SchemaVersion       int64     `json:"schema_version"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func statusOf(def stream.StreamTableDefinition) streamStatus {
	return streamStatus{
		ID:                  def.ID,
		Name:                def.Name,
		SourceID:            def.SourceID,
		Query:               def.Query,
		CDCMode:             string(def.CDCMode),
		FastPathEnabled:     def.FastPathEnabled,
		SchemaVersion:       def.SchemaVersion,
		LastError:           def.LastError,
		ConsecutiveFailures: def.ConsecutiveFailures,
		UpdatedAt:           def.UpdatedAt,
	}
}

// HandleListStreams handles GET /v1/streams
func (e *Engine) HandleListStreams(c *gin.Context) {
	defs, err := e.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to list stream tables",
			Details:   err.Error(),
		})
		return
	}
	out := make([]streamStatus, 0, len(defs))
	for _, def := range defs {
		out = append(out, statusOf(def))
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

// HandleGetStream handles GET /v1/streams/:name
func (e *Engine) HandleGetStream(c *gin.Context) {
	def, ok := e.bindStream(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusOf(def))
}

// HandleStreamResults handles GET /v1/streams/:name/results
func (e *Engine) HandleStreamResults(c *gin.Context) {
	def, ok := e.bindStream(c)
	if !ok {
		return
	}
	states, err := e.store.Load(c.Request.Context(), def.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to load materialized result",
			Details:   err.Error(),
		})
		return
	}
	rows := make([]map[string]any, 0, len(states))
	for _, key := range plan.SortedKeys(states) {
		rows = append(rows, states[key].Report())
	}
	c.JSON(http.StatusOK, gin.H{"name": def.Name, "rows": rows})
}

// HandleRefresh handles POST /v1/streams/:name/refresh: synchronously drains
// the table's change buffer.
func (e *Engine) HandleRefresh(c *gin.Context) {
	def, ok := e.bindStream(c)
	if !ok {
		return
	}
	applied, err := e.Refresh(c.Request.Context(), def.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Refresh failed",
			Details:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": def.Name, "applied": applied})
}

// HandleReconcile handles POST /v1/streams/:name/reconcile: synchronously
// recomputes the table from its base relation and overwrites drifted rows.
func (e *Engine) HandleReconcile(c *gin.Context) {
	def, ok := e.bindStream(c)
	if !ok {
		return
	}
	if err := e.Reconcile(c.Request.Context(), def.Name); err != nil {
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Reconciliation failed",
			Details:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": def.Name, "status": "reconciled"})
}

// HandleUpdateQuery handles PUT /v1/streams/:name/query
func (e *Engine) HandleUpdateQuery(c *gin.Context) {
	def, ok := e.bindStream(c)
	if !ok {
		return
	}
	var body struct {
		Query string `json:"query" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidParamsError,
			Message:   "Invalid request body",
			Details:   err.Error(),
		})
		return
	}

	updated, err := e.UpdateQuery(c.Request.Context(), def.Name, body.Query)
	if err != nil {
		var compErr *stream.CompilationError
		switch {
		case errors.As(err, &compErr):
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpCompilationError,
				Message:   "Query did not compile",
				Details:   err.Error(),
			})
		case errors.Is(err, stream.ErrVersionConflict):
			c.JSON(http.StatusConflict, httperr.ErrorResponse{
				ErrorType: httperr.HttpConflictError,
				Message:   "Definition was modified concurrently",
				Details:   err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
				ErrorType: httperr.HttpInternalError,
				Message:   "Failed to update query",
				Details:   err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, statusOf(updated))
}

func (e *Engine) bindStream(c *gin.Context) (stream.StreamTableDefinition, bool) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidParamsError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return stream.StreamTableDefinition{}, false
	}
	def, err := e.GetByName(c.Request.Context(), uri.Name)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpStreamNotFound,
				Message:   "Unknown stream table",
				Details:   uri.Name,
			})
			return stream.StreamTableDefinition{}, false
		}
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to load stream table",
			Details:   err.Error(),
		})
		return stream.StreamTableDefinition{}, false
	}
	return def, true
}
