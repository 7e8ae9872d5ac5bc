package booking

import "errors"

// Sentinel errors returned by the booking engine. Callers branch with
// errors.Is; the HTTP layer maps each one to a status code.
var (
	// ErrInvalidSlotKind rejects input that does not name a real slot.
	ErrInvalidSlotKind = errors.New("invalid viewing date or time")

	// ErrPropertyUnavailable rejects bookings against properties whose
	// listing status does not accept viewings.
	ErrPropertyUnavailable = errors.New("property not open for viewings")

	// ErrSlotBlocked rejects bookings on a slot an admin has blocked.
	ErrSlotBlocked = errors.New("slot blocked for viewings")

	// ErrDuplicateActiveBooking rejects a second live booking by the same
	// customer for the same property.
	ErrDuplicateActiveBooking = errors.New("customer already has an active booking for this property")

	// ErrInvalidTransition rejects a status change the lifecycle does not
	// allow from the appointment's current status.
	ErrInvalidTransition = errors.New("transition not allowed from current status")

	// ErrAlreadyTerminal rejects any action on a completed or cancelled
	// appointment.
	ErrAlreadyTerminal = errors.New("appointment already in a terminal status")

	// ErrRoleNotPermitted denies an action the acting user's role may not
	// perform.
	ErrRoleNotPermitted = errors.New("role not permitted to perform this action")

	// ErrNotOwner denies an action on an appointment the acting user does
	// not own.
	ErrNotOwner = errors.New("appointment does not belong to acting user")

	// ErrConcurrencyConflict reports that a concurrent update won the
	// slot; the request may be retried.
	ErrConcurrencyConflict = errors.New("conflicting concurrent update, retry")
)
