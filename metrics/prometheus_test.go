package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflow "github.com/goliatone/go-workflow"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg, "")
	require.NoError(t, err)

	r.RecordSuccess("submit")
	r.RecordSuccess("submit")
	r.RecordError("submit", workflow.ErrCodeUnauthorized)
	r.RecordError("sweep", "")
	r.RecordDuration("submit", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.successes.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("submit", workflow.ErrCodeUnauthorized)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("sweep", "unknown")))

	expected := `
# HELP workflow_operations_total Successful workflow engine operations.
# TYPE workflow_operations_total counter
workflow_operations_total{operation="submit"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "workflow_operations_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestRecorderRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "approvals")
	require.NoError(t, err)
	_, err = New(reg, "approvals")
	assert.Error(t, err)
}
