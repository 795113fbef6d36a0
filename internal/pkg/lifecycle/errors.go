package lifecycle

import "errors"

var (
	// ErrUnresolvableIdentity means no local user could be found for a
	// provider customer. The event is dropped.
	ErrUnresolvableIdentity = errors.New("lifecycle: unresolvable identity")
	// ErrUnrecognizedStatus is returned after access was revoked for a
	// subscription status outside the known state set.
	ErrUnrecognizedStatus = errors.New("lifecycle: unrecognized subscription status")
	// ErrOrderNotFound is returned when an order-level event names an order
	// the ledger does not have.
	ErrOrderNotFound = errors.New("lifecycle: order not found")
)

// IsFinal reports whether err should end processing without a retry.
func IsFinal(err error) bool {
	return errors.Is(err, ErrUnresolvableIdentity) ||
		errors.Is(err, ErrUnrecognizedStatus) ||
		errors.Is(err, ErrOrderNotFound)
}
