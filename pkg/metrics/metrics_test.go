package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetDocuments(3)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Message("sync")
		m.ObserveSnapshot(0.1)
		m.PersistFailed("append")
		m.Published()
		m.Applied()
		m.Rejected("missing")
		m.Expired(2)
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Message("sync")
	m.Message("sync")
	m.Message("awareness")
	m.SetDocuments(4)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Connections), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.Documents), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Messages.WithLabelValues("sync")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
