package reservation

// StatePair is the joint (status, payment) state of an order. Transitions
// are validated against an explicit table rather than checking the two axes
// independently, so an order can never drift into a combination that was
// not deliberately enumerated.
type StatePair struct {
	Status  OrderStatus
	Payment PaymentStatus
}

var (
	StatePendingUnpaid    = StatePair{StatusPending, PaymentPending}
	StatePendingPaying    = StatePair{StatusPending, PaymentPaying}
	StatePendingFailed    = StatePair{StatusPending, PaymentFailed}
	StateConfirmedPaid    = StatePair{StatusConfirmed, PaymentPaid}
	StateCancelledUnpaid  = StatePair{StatusCancelled, PaymentCancelled}
	StateCancelledRefund  = StatePair{StatusCancelled, PaymentRefunded}
	StateTimedOut         = StatePair{StatusTimeout, PaymentFailed}
	StateCompleted        = StatePair{StatusCompleted, PaymentPaid}
	StateNoShow           = StatePair{StatusNoShow, PaymentPaid}
	StateWaitlisted       = StatePair{StatusWaitlisted, PaymentPending}
)

// validStates is the closed set of combinations an order may occupy.
var validStates = map[StatePair]struct{}{
	StatePendingUnpaid:   {},
	StatePendingPaying:   {},
	StatePendingFailed:   {},
	StateConfirmedPaid:   {},
	StateCancelledUnpaid: {},
	StateCancelledRefund: {},
	StateTimedOut:        {},
	StateCompleted:       {},
	StateNoShow:          {},
	StateWaitlisted:      {},
}

// transitions maps each state to the states it may legally move to.
// Terminal states have no outgoing edges.
var transitions = map[StatePair][]StatePair{
	StatePendingUnpaid: {
		StatePendingPaying,   // pay-begin
		StateCancelledUnpaid, // user cancel before paying
		StateTimedOut,        // reaper reclaim
	},
	StatePendingPaying: {
		StateConfirmedPaid,   // pay-success
		StatePendingFailed,   // pay-failure
		StateCancelledUnpaid, // user cancel mid-payment
	},
	StatePendingFailed: {
		StatePendingPaying,   // retry payment
		StateCancelledUnpaid, // user cancel after failed payment
		StateTimedOut,        // reaper reclaim
	},
	StateConfirmedPaid: {
		StateCancelledRefund, // user cancel after payment, refunded
		StateCompleted,       // consultation done
		StateNoShow,          // never answered the call
	},
	StateWaitlisted: {
		StatePendingUnpaid,   // conversion, payment now required
		StateCancelledUnpaid, // waitlist withdrawal
	},
}

// ValidState reports whether the pair is one of the enumerated combinations.
func ValidState(s StatePair) bool {
	_, ok := validStates[s]
	return ok
}

// CanTransition reports whether moving from one joint state to another is legal.
func CanTransition(from, to StatePair) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
