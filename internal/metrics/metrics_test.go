package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRegistered(t *testing.T) {
	assert := assert.New(t)

	before := testutil.ToFloat64(EventsDropped.WithLabelValues("malformed"))
	EventsDropped.WithLabelValues("malformed").Inc()
	assert.Equal(before+1, testutil.ToFloat64(EventsDropped.WithLabelValues("malformed")))

	ActiveStreams.Set(3)
	assert.Equal(3.0, testutil.ToFloat64(ActiveStreams))

	assert.Positive(testutil.CollectAndCount(EventsDropped))
}
