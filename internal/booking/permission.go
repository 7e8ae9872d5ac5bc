package booking

import "fmt"

// Authorize is the permission gate for actions against an existing
// appointment. A nil return allows the action; otherwise the error names
// the narrowest deny reason: ErrRoleNotPermitted, ErrNotOwner, or
// ErrAlreadyTerminal. Facts are checked in that order, so a customer
// acting on somebody else's appointment hears NotOwner even when the
// appointment is also finished.
func Authorize(actor Actor, appt *Appointment, action Action) error {
	switch actor.Role {
	case RoleAdmin:
		// Admins act on any appointment, including terminal cleanup.
	case RoleAgent:
		if action == ActionHardDelete {
			return fmt.Errorf("%w: %s may not %s", ErrRoleNotPermitted, actor.Role, action)
		}
		// An agent acting on a viewing not assigned to them is acting
		// outside their role, not merely on a foreign record.
		if appt.AgentID == nil || *appt.AgentID != actor.ID {
			return fmt.Errorf("%w: viewing not assigned to this agent", ErrRoleNotPermitted)
		}
	case RoleCustomer:
		switch action {
		case ActionCancel, ActionReschedule, ActionEditNotes:
		default:
			return fmt.Errorf("%w: %s may not %s", ErrRoleNotPermitted, actor.Role, action)
		}
		if appt.CustomerID != actor.ID {
			return ErrNotOwner
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrRoleNotPermitted, actor.Role)
	}

	// Notes stay editable after the viewing happened, and hard delete is
	// the admin escape hatch for terminal rows. Everything else stops at
	// a terminal status.
	if action == ActionEditNotes || action == ActionHardDelete {
		return nil
	}
	if appt.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, appt.Status)
	}
	return nil
}

// CanView reports whether the actor may read the appointment at all.
func CanView(actor Actor, appt *Appointment) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleAgent:
		return appt.AgentID != nil && *appt.AgentID == actor.ID
	case RoleCustomer:
		return appt.CustomerID == actor.ID
	}
	return false
}
