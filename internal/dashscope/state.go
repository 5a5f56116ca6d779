package dashscope

import "fmt"

// State is the protocol state of one task.
type State int

const (
	StateIdle State = iota
	StateAwaitingStart
	StateRunning
	StateFinalizing
	StateFinished
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateAborted
}

// acceptsAudio reports whether binary frames are appended to the sink in this state.
func (s State) acceptsAudio() bool {
	return s == StateAwaitingStart || s == StateRunning || s == StateFinalizing
}

type trigger int

const (
	trigRunTaskSent trigger = iota
	trigTaskStarted
	trigFinishSent
	trigTaskFinished
	trigTaskFailed
	trigAbort
)

func (t trigger) String() string {
	switch t {
	case trigRunTaskSent:
		return "run_task_sent"
	case trigTaskStarted:
		return EventTaskStarted
	case trigFinishSent:
		return "finish_task_sent"
	case trigTaskFinished:
		return EventTaskFinished
	case trigTaskFailed:
		return EventTaskFailed
	case trigAbort:
		return "abort"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// transitions lists every legal move; anything else is dropped.
var transitions = map[State]map[trigger]State{
	StateIdle: {
		trigRunTaskSent: StateAwaitingStart,
		trigAbort:       StateAborted,
	},
	StateAwaitingStart: {
		trigTaskStarted:  StateRunning,
		trigTaskFinished: StateFinished,
		trigTaskFailed:   StateFailed,
		trigAbort:        StateAborted,
	},
	StateRunning: {
		trigFinishSent:   StateFinalizing,
		trigTaskFinished: StateFinished,
		trigTaskFailed:   StateFailed,
		trigAbort:        StateAborted,
	},
	StateFinalizing: {
		trigTaskFinished: StateFinished,
		trigTaskFailed:   StateFailed,
		trigAbort:        StateAborted,
	},
}

func nextState(from State, t trigger) (State, bool) {
	to, ok := transitions[from][t]
	return to, ok
}
