package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	reg := New()
	reg.IncEventPublished("kafka", "status_update")
	var nilReg *Registry
	nilReg.IncEventPublished("kafka", "status_update")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dte_events_published_total{sink="kafka",type="status_update"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
