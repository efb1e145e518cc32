package appointment

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/docbook/booking/internal/platform/auth"
)

// Outbound event types observed by the payment and notification collaborators.
const (
	EventBooked           = "appointment.booked"
	EventCancelled        = "appointment.cancelled"
	EventCompleted        = "appointment.completed"
	EventPaymentConfirmed = "payment.confirmed"
)

// Publisher delivers domain events to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

// Publishers fans an event out to every member. All members are attempted;
// their errors are joined.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, eventType string, payload any) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Live feed topics.
const TopicAdmin = "admin"

func doctorTopic(id uuid.UUID) string  { return "doctor:" + id.String() }
func patientTopic(id uuid.UUID) string { return "patient:" + id.String() }

// FeedTopics returns the live feed topics the caller may listen to: their own
// appointments for patients and doctors, everything for admins.
func FeedTopics(c echo.Context) ([]string, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	if actor.IsAdmin() {
		return []string{TopicAdmin}, nil
	}
	id, err := actor.UUID()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusForbidden, "caller has no feed")
	}
	switch actor.Role {
	case auth.RoleDoctor:
		return []string{doctorTopic(id)}, nil
	case auth.RolePatient:
		return []string{patientTopic(id)}, nil
	}
	return nil, echo.NewHTTPError(http.StatusForbidden, "caller has no feed")
}

// Event is the payload carried by every appointment event.
type Event struct {
	AppointmentID uuid.UUID       `json:"appointment_id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	DoctorID      uuid.UUID       `json:"doctor_id"`
	SlotDate      string          `json:"slot_date"`
	SlotTime      string          `json:"slot_time"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentMode   PaymentMode     `json:"payment_mode"`
	GatewayRef    *string         `json:"gateway_ref,omitempty"`
	// Cancelled is set on payment.confirmed when the appointment was cancelled first;
	// the payment collaborator decides on a refund.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Topics routes the event to its participants and to admins.
func (e Event) Topics() []string {
	return []string{doctorTopic(e.DoctorID), patientTopic(e.PatientID), TopicAdmin}
}

func newEvent(a *Appointment) Event {
	return Event{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		SlotDate:      a.SlotDate,
		SlotTime:      a.SlotTime,
		Amount:        a.Amount,
		Status:        a.Status,
		PaymentMode:   a.PaymentMode,
		GatewayRef:    a.GatewayRef,
		Cancelled:     a.Status == StatusCancelled,
	}
}

// emit publishes after a committed transition. Delivery failures are logged only.
func emit(ctx context.Context, pub Publisher, logger zerolog.Logger, eventType string, a *Appointment) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, eventType, newEvent(a)); err != nil {
		logger.Warn().Err(err).
			Str("event", eventType).
			Str("appointment_id", a.ID.String()).
			Msg("event publish failed")
	}
}
