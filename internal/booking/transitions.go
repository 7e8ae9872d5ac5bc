package booking

import "fmt"

// transitionTargets maps the three requestable transition actions to their
// destination status. Reschedule, notes edits, and hard deletes are not
// status transitions and are handled by their own service operations.
var transitionTargets = map[Action]Status{
	ActionConfirm:  StatusConfirmed,
	ActionComplete: StatusCompleted,
	ActionCancel:   StatusCancelled,
}

// allowedTransitions is the appointment lifecycle. Queued appointments can
// only be cancelled by request; queued -> confirmed exists solely as the
// promotion edge and is never requestable, so it is absent here.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusCancelled: true,
	},
}

// TransitionTarget resolves a requestable action to its destination
// status. ok is false for actions that are not status transitions.
func TransitionTarget(action Action) (Status, bool) {
	to, ok := transitionTargets[action]
	return to, ok
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// ValidateTransition checks from -> to against the lifecycle and returns a
// sentinel the HTTP layer can map. Terminal origins report
// ErrAlreadyTerminal so the caller learns the appointment is finished, not
// merely that one edge is missing.
func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
