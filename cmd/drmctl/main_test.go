package main

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"drmcore/internal/metrics"
)

func TestPrintMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var out bytes.Buffer
	printMetrics(&out, reg)
	assert.Empty(t, out.String(), "nothing recorded, nothing printed")

	m.ClientAttached()
	m.ClientDetached()
	m.Consumed("play", false)
	m.Consumed("play", false)
	m.DecryptOpened()

	printMetrics(&out, reg)
	got := out.String()
	assert.Contains(t, got, "Metrics:")
	assert.Contains(t, got, "rights_consumed_total{action=play,mode=consume}: 2")
	assert.Contains(t, got, "decrypt_sessions: 1")
	assert.NotContains(t, got, "_clients:", "zero samples are skipped")
}
