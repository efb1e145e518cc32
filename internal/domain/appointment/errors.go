package appointment

import "errors"

// Store-level outcomes.
var (
	ErrNotFound        = errors.New("appointment not found")
	ErrSlotConflict    = errors.New("slot already held by another appointment")
	ErrStateConflict   = errors.New("appointment state changed concurrently")
	ErrPaymentConflict = errors.New("payment mode transition not allowed")
)

// Service-level outcomes surfaced to callers.
var (
	ErrSlotUnavailable        = errors.New("slot is no longer available")
	ErrInvalidSlot            = errors.New("slot is outside the doctor's working hours or booking window")
	ErrDoctorUnavailable      = errors.New("doctor is not accepting bookings")
	ErrDoctorNotFound         = errors.New("doctor not found")
	ErrAlreadyTerminal        = errors.New("appointment is already completed or cancelled")
	ErrAlreadyTerminalPayment = errors.New("payment already confirmed with a different gateway reference")
	ErrInvalidPaymentMode     = errors.New("invalid payment mode")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrForbidden              = errors.New("actor may not act on this appointment")

	// ErrStorage marks failures of the persistence collaborator. Such an outcome is never a
	// success; callers re-query availability before retrying.
	ErrStorage = errors.New("appointment storage unavailable")
)
