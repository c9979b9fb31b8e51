package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateIdle
	for _, step := range []struct {
		event Event
		want  State
	}{
		{EventStart, StateStarted},
		{EventUpload, StateUploaded},
		{EventUpload, StateUploaded},
		{EventEnd, StateEnded},
		{EventEvaluated, StateEvaluated},
	} {
		next, err := Transition(s, step.event)
		require.NoError(t, err)
		require.Equal(t, step.want, next)
		s = next
	}
}

func TestTransitionRetryBranch(t *testing.T) {
	next, err := Transition(StateEnded, EventFail)
	require.NoError(t, err)
	require.Equal(t, StateEvaluationFailed, next)

	next, err = Transition(next, EventRetry)
	require.NoError(t, err)
	require.Equal(t, StateEnded, next)

	next, err = Transition(next, EventEvaluated)
	require.NoError(t, err)
	require.Equal(t, StateEvaluated, next)
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
	}{
		{name: "started end without audio", state: StateStarted, event: EventEnd},
		{name: "started evaluated", state: StateStarted, event: EventEvaluated},
		{name: "idle upload", state: StateIdle, event: EventUpload},
		{name: "uploaded start", state: StateUploaded, event: EventStart},
		{name: "ended upload", state: StateEnded, event: EventUpload},
		{name: "evaluated upload", state: StateEvaluated, event: EventUpload},
		{name: "failed upload", state: StateEvaluationFailed, event: EventUpload},
		{name: "evaluated start", state: StateEvaluated, event: EventStart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Error(t, err)
			require.Equal(t, tc.state, next)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(State("bogus"), EventStart)
	require.Error(t, err)
}

func TestStateOf(t *testing.T) {
	require.Equal(t, StateStarted, stateOf(false, false, false))
	require.Equal(t, StateUploaded, stateOf(false, true, false))
	require.Equal(t, StateEvaluated, stateOf(true, true, true))
	require.Equal(t, StateEvaluationFailed, stateOf(true, true, false))
}
