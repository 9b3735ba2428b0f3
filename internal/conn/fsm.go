package conn

// This file implements the Connection FIN state machine (§4.5) as a pure
// function over a transition table: no side effects, no Connection
// dependency, trivially testable against the diagram below.
//
//	ONLINE ── disconnect() ──▶ FIN_WAIT  ── FIN_RSP in ──▶ CLOSE
//	ONLINE ── FIN_REQ in ─────▶ ACKING   ── FIN_RSP out ─▶ CLOSE
//	ONLINE ── transport DISCONNECTED ──▶ DISCONNECT (notify; no FIN)
//	any ── transport ERROR ──▶ DISCONNECT (notify; fatal)

// State is a Connection's lifecycle state (§3).
type State uint8

// Connection states.
const (
	StateInit State = iota + 1
	StateOnline
	StateFinWait
	StateAcking
	StateDisconnect
	StateClose
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOnline:
		return "ONLINE"
	case StateFinWait:
		return "FIN_WAIT"
	case StateAcking:
		return "ACKING"
	case StateDisconnect:
		return "DISCONNECT"
	case StateClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event is an FSM input.
type Event uint8

// FSM events.
const (
	EventBind Event = iota + 1
	EventDisconnectCalled
	EventFinReqIn
	EventFinRspIn
	EventFinRspOut
	EventTransportDisconnected
	EventTransportError
)

// Action is a side-effect the caller must execute after a transition.
type Action uint8

// FSM actions.
const (
	ActionSendFinReq Action = iota + 1
	ActionSendFinRsp
	ActionNotifyDisconnected
	ActionNotifyClosed
	ActionRequestTransportClose
)

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an Event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
}

// Changed reports whether the event produced a state transition.
func (r Result) Changed() bool { return r.OldState != r.NewState }

var table = map[stateEvent]transition{
	{StateInit, EventBind}: {StateOnline, nil},

	{StateOnline, EventDisconnectCalled}: {StateFinWait, []Action{ActionSendFinReq}},
	{StateOnline, EventFinReqIn}:         {StateAcking, []Action{ActionSendFinRsp}},
	{StateOnline, EventTransportDisconnected}: {
		StateDisconnect, []Action{ActionNotifyDisconnected},
	},
	{StateOnline, EventTransportError}: {StateDisconnect, []Action{ActionNotifyDisconnected}},

	{StateFinWait, EventFinRspIn}:               {StateClose, []Action{ActionRequestTransportClose}},
	{StateFinWait, EventTransportDisconnected}:   {StateDisconnect, []Action{ActionNotifyDisconnected}},
	{StateFinWait, EventTransportError}:          {StateDisconnect, []Action{ActionNotifyDisconnected}},

	{StateAcking, EventFinRspOut}:              {StateClose, []Action{ActionRequestTransportClose}},
	{StateAcking, EventTransportDisconnected}:  {StateDisconnect, []Action{ActionNotifyDisconnected}},
	{StateAcking, EventTransportError}:         {StateDisconnect, []Action{ActionNotifyDisconnected}},
}

// apply runs event against the FSM starting from cur, returning the
// resulting transition. An event with no table entry for the current
// state is ignored: NewState equals OldState and Actions is nil.
func apply(cur State, ev Event) Result {
	t, ok := table[stateEvent{cur, ev}]
	if !ok {
		return Result{OldState: cur, NewState: cur}
	}
	return Result{OldState: cur, NewState: t.newState, Actions: t.actions}
}
