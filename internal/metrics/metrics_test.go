package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordValidationError(t *testing.T) {
	before := testutil.ToFloat64(ValidationErrors.WithLabelValues("append", "overflow"))
	RecordValidationError("append", "overflow")
	assert.Equal(t, before+1, testutil.ToFloat64(ValidationErrors.WithLabelValues("append", "overflow")))
}

func TestRecordKernel(t *testing.T) {
	RecordKernel("rmsnorm", time.Now().Add(-time.Millisecond))
	assert.Equal(t, 1, testutil.CollectAndCount(KernelDuration))
}
