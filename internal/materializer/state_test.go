package materializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:     "idle",
		StateScanning: "scanning",
		StateJoining:  "joining",
		StateWriting:  "writing",
		StatePaused:   "paused",
		StateDegraded: "degraded",
		State(99):     "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
