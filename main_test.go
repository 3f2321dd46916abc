package rdmaring

import (
	"testing"
	"time"

	"github.com/slackhq/rdmaring/config"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/test"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T, raw string) *Control {
	t.Helper()
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(raw))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func waitDone(t *testing.T, ctrl *Control) Report {
	t.Helper()
	select {
	case <-ctrl.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workload did not finish")
	}
	r, err := ctrl.Report()
	require.NoError(t, err)
	return r
}

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("bench: {pairs: 2}"))

	ctrl, err := Main(c, true, "test", l)
	require.NoError(t, err)
	assert.Nil(t, ctrl)
}

func TestMain_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
		err  string
	}{
		{"logging", "logging: {level: loud}", "possible levels"},
		{"generation", "device: {generation: 3}", "device.generation must be 1 or 2"},
		{"feature", "device: {features: [teleport]}", `unknown device feature "teleport"`},
		{"memory", "device: {memory: disk}", "device.memory was not understood"},
		{"inline", "bench: {inline: true, message_size: 4k}", "exceeds the inline limit"},
		{"op", "bench: {op: atomic}", "bench.op was not understood"},
		{"wait", "bench: {wait: spin}", "bench.wait was not understood"},
		{"depth", "bench: {depth: 0}", "bench.depth must be at least 1"},
		{"stats", "stats: {type: statsd, interval: 1s}", "stats.type was not understood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.cfg))
			_, err := Main(c, false, "test", l)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestDeviceFromConfig(t *testing.T) {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
device:
  generation: 1
  max_qps: 16
  features: [extended_cqe, push_mode]
`))
	attrs, features, err := deviceFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, wqe.Gen1, attrs.Generation)
	assert.Equal(t, uint32(16), attrs.MaxQPs)
	// Generation 1 has no push pages.
	assert.Equal(t, hw.FeatureExtendedCQE, features)
}

func TestMain_Workload(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
	}{
		{"send", "bench: {pairs: 2, depth: 8, message_size: 1k, duration: 50ms}"},
		{"write", "bench: {op: write, depth: 4, message_size: 256, duration: 50ms}"},
		{"inline", "bench: {inline: true, depth: 4, message_size: 32, duration: 50ms}"},
		{"gen1", "device: {generation: 1, memory: heap}\nbench: {depth: 4, message_size: 64, duration: 50ms}"},
		{"register polling", "cqp: {size: 8, ccq_size: 0}\nbench: {depth: 2, message_size: 64, duration: 50ms}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newTestControl(t, tt.cfg)
			ctrl.Start()
			r := waitDone(t, ctrl)
			assert.NotZero(t, r.Messages)
			assert.Equal(t, r.Messages*uint64(ctrl.bench.cfg.size), r.Bytes)
			assert.Positive(t, r.Rate())

			ctrl.Stop()
			qps, cqs, stags := ctrl.Device().Counts()
			assert.Zero(t, qps)
			assert.Zero(t, cqs)
			assert.Zero(t, stags)
		})
	}
}

func TestControl_StopWhileRunning(t *testing.T) {
	ctrl := newTestControl(t, "bench: {depth: 4, message_size: 64}")
	ctrl.Start()
	time.Sleep(20 * time.Millisecond)
	ctrl.Stop()

	r, err := ctrl.Report()
	require.NoError(t, err)
	assert.NotZero(t, r.Messages)

	// Stop is idempotent.
	ctrl.Stop()
}

func TestControl_StopWithoutStart(t *testing.T) {
	ctrl := newTestControl(t, "bench: {depth: 2}")
	ctrl.Stop()
	qps, _, _ := ctrl.Device().Counts()
	assert.Zero(t, qps)
}

func TestControl_PeerFailure(t *testing.T) {
	ctrl := newTestControl(t, "bench: {depth: 4, message_size: 64}")
	ctrl.Start()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ctrl.Device().SetQPError(ctrl.bench.pairs[0].b.ID(), wqe.FlushFatalErr))

	select {
	case <-ctrl.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workload did not stop on a failed queue pair")
	}
	_, err := ctrl.Report()
	assert.Error(t, err)
}
