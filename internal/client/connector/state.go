package connector

import (
	"fmt"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	LoadingRemoteState
	Idle
	Reconnecting
	ClosingForReconnect
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case LoadingRemoteState:
		return "loading remote state"
	case Idle:
		return "idle"
	case Reconnecting:
		return "reconnecting"
	case ClosingForReconnect:
		return "closing for reconnect"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reason explains why the connector ended up Disconnected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDisabled
	ReasonNoAddress
	ReasonKeyAccess
	ReasonTransport
	ReasonRejected
	ReasonOperator
	ReasonReconnect
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonDisabled:
		return "sync disabled"
	case ReasonNoAddress:
		return "no remote address"
	case ReasonKeyAccess:
		return "key material not accessible"
	case ReasonTransport:
		return "transport error"
	case ReasonRejected:
		return "rejected by server"
	case ReasonOperator:
		return "closed by operator"
	case ReasonReconnect:
		return "reconnecting"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// StateEvent is published on every transition. RetryIn is set when a retry
// was scheduled after an unexpected disconnect.
type StateEvent struct {
	State   State
	Reason  Reason
	Err     error
	RetryIn time.Duration
}
