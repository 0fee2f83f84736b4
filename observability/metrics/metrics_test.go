package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_RecordsAndExposes(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(operationsTotal.WithLabelValues("close_till", ResultSuccess))
	ObserveOperation("close_till", "", 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("close_till", ResultSuccess)))

	before = testutil.ToFloat64(movementsTotal.WithLabelValues("unknown", "validation"))
	IncMovement("", "validation")
	assert.Equal(t, before+1, testutil.ToFloat64(movementsTotal.WithLabelValues("unknown", "validation")))

	ObserveOverShort("short", -2.5)
	SetStaleOpenTills(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(staleOpenTills))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "till_operations_total")
	assert.Contains(t, body, "till_close_over_short_amount")
	assert.Contains(t, body, "till_stale_open_sessions 3")
}
