package licenses

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for events not allowed in the current status
var ErrInvalidTransition = errors.New("invalid license transition")

// Event drives license status transitions
type Event string

const (
	// EventActivate is an upgrade or payment that converts a trial
	EventActivate Event = "activate"
	// EventLapse is a non-renewal at valid_until
	EventLapse Event = "lapse"
	// EventGraceElapsed fires when the grace period ends without renewal
	EventGraceElapsed Event = "grace_elapsed"
	// EventRenew is a renewal of an expired license
	EventRenew Event = "renew"
	// EventReactivate is a manual reactivation of a suspended license
	EventReactivate Event = "reactivate"
)

var transitions = map[Status]map[Event]Status{
	StatusTrial: {
		EventActivate: StatusActive,
		EventLapse:    StatusExpired,
	},
	StatusActive: {
		EventLapse: StatusExpired,
	},
	StatusExpired: {
		EventGraceElapsed: StatusSuspended,
		EventRenew:        StatusActive,
	},
	StatusSuspended: {
		EventReactivate: StatusActive,
	},
}

// Transition returns the status reached from `from` on event ev
func Transition(from Status, ev Event) (Status, error) {
	next, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return next, nil
}

// Apply transitions the license in place and stamps UpdatedAt. A non-zero
// validUntil replaces the license's ValidUntil. A license returning to
// active must end up valid past now, otherwise the next Sweep would lapse
// it again; such events are rejected and the license is left unchanged.
func Apply(l *TenantLicense, ev Event, validUntil, now time.Time) error {
	next, err := Transition(l.Status, ev)
	if err != nil {
		return err
	}

	until := l.ValidUntil
	if !validUntil.IsZero() {
		if !validUntil.After(now) {
			return fmt.Errorf("%w: valid_until %s is not after %s", ErrInvalidLicense,
				validUntil.Format(time.RFC3339), now.Format(time.RFC3339))
		}
		until = validUntil.UTC()
	}
	if next == StatusActive && !until.After(now) {
		return fmt.Errorf("%w: %s requires a valid_until after %s", ErrInvalidLicense, ev, now.Format(time.RFC3339))
	}

	l.Status = next
	l.ValidUntil = until
	l.UpdatedAt = now
	return nil
}

// Sweep applies the automatic transitions due at now: an active or trial
// license past valid_until lapses, and an expired license past its grace
// period is suspended. It reports the event applied, if any.
func Sweep(l *TenantLicense, now time.Time, policy GracePolicy) (Event, bool) {
	switch l.Status {
	case StatusActive, StatusTrial:
		if now.After(l.ValidUntil) {
			l.Status = StatusExpired
			l.UpdatedAt = now
			return EventLapse, true
		}
	case StatusExpired:
		if !policy.IsValid(l, now) {
			l.Status = StatusSuspended
			l.UpdatedAt = now
			return EventGraceElapsed, true
		}
	}
	return "", false
}
