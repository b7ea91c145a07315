package model

// Transition is an input to the alert status machine.
type Transition string

const (
	TransNoData  Transition = "no_data"
	TransRecover Transition = "recover"
	TransShield  Transition = "shield"
	TransAck     Transition = "ack"
	TransUpgrade Transition = "upgrade"
	TransClose   Transition = "close"
	// TransEvent is a newly merged event.
	TransEvent Transition = "event"
)

var transitions = map[Status]map[Transition]Status{
	StatusAbnormal: {
		TransNoData:  StatusClosed,
		TransRecover: StatusRecovering,
		TransShield:  StatusAbnormal,
		TransAck:     StatusAbnormal,
		TransUpgrade: StatusAbnormal,
		TransClose:   StatusClosed,
		TransEvent:   StatusAbnormal,
	},
	StatusRecovering: {
		TransNoData:  StatusClosed,
		TransRecover: StatusRecovered,
		TransShield:  StatusRecovering,
		TransAck:     StatusRecovering,
		TransClose:   StatusClosed,
		TransEvent:   StatusAbnormal,
	},
}

// Next returns the status reached from s on t, or false when the transition is not permitted.
// Terminal statuses have no transitions.
func Next(s Status, t Transition) (Status, bool) {
	row, ok := transitions[s]
	if !ok {
		return s, false
	}
	next, ok := row[t]
	if !ok {
		return s, false
	}
	return next, true
}

// CanMoveTo reports whether some single transition leads from s to target.
func CanMoveTo(s, target Status) bool {
	for _, next := range transitions[s] {
		if next == target && next != s {
			return true
		}
	}
	return false
}
