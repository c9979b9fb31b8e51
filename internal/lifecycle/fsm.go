package lifecycle

import "fmt"

type State string

type Event string

const (
	StateIdle             State = "idle"
	StateStarted          State = "started"
	StateUploaded         State = "uploaded"
	StateEnded            State = "ended"
	StateEvaluated        State = "evaluated"
	StateEvaluationFailed State = "evaluation_failed"
)

const (
	EventStart     Event = "start"
	EventUpload    Event = "upload"
	EventEnd       Event = "end"
	EventEvaluated Event = "evaluated"
	EventFail      Event = "fail"
	EventRetry     Event = "retry"
)

// Transition returns the state reached by applying event to current.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarted, nil
		}
	case StateStarted, StateUploaded:
		switch event {
		case EventUpload:
			return StateUploaded, nil
		case EventEnd:
			if current == StateUploaded {
				return StateEnded, nil
			}
		}
	case StateEnded:
		switch event {
		case EventEvaluated:
			return StateEvaluated, nil
		case EventFail:
			return StateEvaluationFailed, nil
		}
	case StateEvaluated:
		switch event {
		case EventEnd:
			return StateEvaluated, nil
		case EventRetry:
			return StateEnded, nil
		}
	case StateEvaluationFailed:
		switch event {
		case EventEnd, EventRetry:
			return StateEnded, nil
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}

// stateOf derives the lifecycle state from the persisted session.
func stateOf(ended, hasAudio, hasFeedback bool) State {
	switch {
	case !ended && !hasAudio:
		return StateStarted
	case !ended:
		return StateUploaded
	case hasFeedback:
		return StateEvaluated
	}
	return StateEvaluationFailed
}
