package appointment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle axis of an appointment.
type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Occupies reports whether an appointment in state s holds its slot.
func (s Status) Occupies() bool {
	return s == StatusBooked || s == StatusCompleted
}

// PaymentMode is the payment axis; it only moves forward.
type PaymentMode string

const (
	PaymentUnset           PaymentMode = "unset"
	PaymentCash            PaymentMode = "cash"
	PaymentOnlinePending   PaymentMode = "online-pending"
	PaymentOnlineConfirmed PaymentMode = "online-confirmed"
)

// paymentPredecessors lists, per target mode, the modes it may be entered from.
// online-confirmed also accepts unset and cash: a payment the gateway captured is
// recorded even when the client never announced the online attempt.
var paymentPredecessors = map[PaymentMode][]PaymentMode{
	PaymentCash:            {PaymentUnset},
	PaymentOnlinePending:   {PaymentUnset},
	PaymentOnlineConfirmed: {PaymentUnset, PaymentCash, PaymentOnlinePending},
}

func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentUnset, PaymentCash, PaymentOnlinePending, PaymentOnlineConfirmed:
		return true
	}
	return false
}

// CanMoveTo reports whether m -> next is a forward payment transition.
func (m PaymentMode) CanMoveTo(next PaymentMode) bool {
	for _, from := range paymentPredecessors[next] {
		if from == m {
			return true
		}
	}
	return false
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Appointment is the primary entity. Amount is a fee snapshot and never changes.
type Appointment struct {
	ID          uuid.UUID       `json:"id"`
	PatientID   uuid.UUID       `json:"patient_id"`
	DoctorID    uuid.UUID       `json:"doctor_id"`
	SlotDate    string          `json:"slot_date"`
	SlotTime    string          `json:"slot_time"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentMode PaymentMode     `json:"payment_mode"`
	Status      Status          `json:"status"`
	GatewayRef  *string         `json:"gateway_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SlotKey identifies the (doctor, date, time) slot the appointment targets.
func (a *Appointment) SlotKey() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.SlotDate, Time: a.SlotTime}
}

type SlotKey struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

// BookRequest is the typed boundary payload for Book.
type BookRequest struct {
	PatientID   uuid.UUID   `json:"patient_id"`
	DoctorID    uuid.UUID   `json:"doctor_id"`
	Date        string      `json:"date"`
	Time        string      `json:"time"`
	PaymentMode PaymentMode `json:"payment_mode"`
}

// PaymentEvent is the single inbound gateway confirmation shape.
type PaymentEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	GatewayRef    string    `json:"gateway_ref"`
	Success       bool      `json:"success"`
}

// Stats is an aggregate over a set of appointments.
type Stats struct {
	Appointments int             `json:"appointments"`
	Patients     int             `json:"patients"`
	Earnings     decimal.Decimal `json:"earnings"`
}
