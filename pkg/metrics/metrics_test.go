package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(TasksCompleted.WithLabelValues("completed", "code"))
	TasksCompleted.WithLabelValues("completed", "code").Inc()
	after := testutil.ToFloat64(TasksCompleted.WithLabelValues("completed", "code"))
	assert.Equal(t, before+1, after)

	ModelCostUSD.Add(0.25)
	assert.GreaterOrEqual(t, testutil.ToFloat64(ModelCostUSD), 0.25)
}

func TestObserveStage(t *testing.T) {
	ObserveStage("executing", 3*time.Second)
	count := testutil.CollectAndCount(StageDuration)
	assert.Greater(t, count, 0)
}

func TestHandlerServesMetrics(t *testing.T) {
	TasksInFlight.Set(2)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
