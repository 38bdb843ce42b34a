package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httperr "github.com/deltaview-lab/deltaview/internal/core/errors"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

func newTestRouter(t *testing.T) (*harness, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	r := gin.New()
	h.eng.RegisterRoutes(r)
	return h, r
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleListStreams(t *testing.T) {
	h, r := newTestRouter(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

	w := doRequest(r, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Streams []streamStatus `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Streams, 1)
	assert.Equal(t, "revenue", resp.Streams[0].Name)
	assert.True(t, resp.Streams[0].FastPathEnabled)
}

func TestHandleGetStream_NotFound(t *testing.T) {
	_, r := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/streams/absent", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, httperr.HttpStreamNotFound, resp.ErrorType)
}

func TestHandleStreamResults(t *testing.T) {
	h, r := newTestRouter(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

	require.NoError(t, h.eng.Mutate(context.Background(),
		stream.ChangeRecord{SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"region": "eu", "amount": 10}},
	))

	w := doRequest(r, http.MethodGet, "/v1/streams/revenue/results", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Name string           `json:"name"`
		Rows []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "revenue", resp.Name)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "10", resp.Rows[0]["total"], "decimals serialize as strings")
}

func TestHandleRefresh(t *testing.T) {
	h, r := newTestRouter(t)
	h.register(t, triggerDef("tbl-1", "highs",
		"SELECT region, MAX(amount) AS high FROM orders GROUP BY region"))

	h.source.Upsert("orders", "r1", map[string]any{"region": "eu", "amount": 40})
	require.NoError(t, h.eng.Mutate(context.Background(), stream.ChangeRecord{
		SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"region": "eu", "amount": 40},
	}))

	w := doRequest(r, http.MethodPost, "/v1/streams/highs/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Applied int `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Applied)
}

func TestHandleReconcile(t *testing.T) {
	h, r := newTestRouter(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	h.source.Upsert("orders", "r1", map[string]any{"region": "eu", "amount": 10})

	w := doRequest(r, http.MethodPost, "/v1/streams/revenue/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleUpdateQuery(t *testing.T) {
	t.Run("valid query", func(t *testing.T) {
		h, r := newTestRouter(t)
		h.register(t, triggerDef("tbl-1", "revenue",
			"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

		w := doRequest(r, http.MethodPut, "/v1/streams/revenue/query",
			`{"query": "SELECT region, COUNT(*) AS n FROM orders GROUP BY region"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp streamStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(2), resp.SchemaVersion)
	})

	t.Run("uncompilable query", func(t *testing.T) {
		h, r := newTestRouter(t)
		h.register(t, triggerDef("tbl-1", "revenue",
			"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

		w := doRequest(r, http.MethodPut, "/v1/streams/revenue/query",
			`{"query": "not a query"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp httperr.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, httperr.HttpCompilationError, resp.ErrorType)
	})

	t.Run("missing body", func(t *testing.T) {
		h, r := newTestRouter(t)
		h.register(t, triggerDef("tbl-1", "revenue",
			"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

		w := doRequest(r, http.MethodPut, "/v1/streams/revenue/query", `{}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}
