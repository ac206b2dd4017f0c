package metrics_test

import (
	"errors"
	"testing"

	"github.com/couchlike/couchlike.go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	ops := metrics.CounterOperations.WithLabelValues("test-engine", "get")
	errs := metrics.CounterOperationErrors.WithLabelValues("test-engine", "get")
	beforeOps := testutil.ToFloat64(ops)
	beforeErrs := testutil.ToFloat64(errs)

	metrics.Observe("test-engine", "get", nil)
	metrics.Observe("test-engine", "get", errors.New("boom"))

	assert.Equal(t, beforeOps+2, testutil.ToFloat64(ops))
	assert.Equal(t, beforeErrs+1, testutil.ToFloat64(errs))
}
