package appointment

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the single source of truth for appointments. Create must be an atomic
// conditional insert on the slot; UpdateState and UpdatePayment are compare-and-swap
// and return the row as it stands after the write.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateState(ctx context.Context, id uuid.UUID, expected, next Status) (*Appointment, error)
	UpdatePayment(ctx context.Context, id uuid.UUID, next PaymentMode, gatewayRef *string) (*Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error)
	// ListOccupied returns the times held (booked or completed) for a doctor on date.
	ListOccupied(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error)
	// Stats aggregates over all appointments, or one doctor's when doctorID is set.
	Stats(ctx context.Context, doctorID *uuid.UUID) (*Stats, error)
}
