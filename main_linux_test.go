package rdmaring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMain_WorkloadEventWait(t *testing.T) {
	ctrl := newTestControl(t, "bench: {wait: event, pairs: 2, depth: 4, message_size: 128, duration: 50ms}")
	ctrl.Start()
	r := waitDone(t, ctrl)
	assert.NotZero(t, r.Messages)
}
