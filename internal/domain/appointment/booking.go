package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docbook/booking/internal/domain/doctor"
)

// BookingService reserves slots. It never retries a conflicting insert.
type BookingService struct {
	repo     Repository
	doctors  DoctorReader
	calendar *Calendar
	pub      Publisher
	logger   zerolog.Logger
}

func NewBookingService(repo Repository, doctors DoctorReader, calendar *Calendar, pub Publisher, logger zerolog.Logger) *BookingService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &BookingService{
		repo:     repo,
		doctors:  doctors,
		calendar: calendar,
		pub:      pub,
		logger:   logger.With().Str("component", "booking").Logger(),
	}
}

var initialPaymentModes = map[PaymentMode]bool{
	PaymentUnset:         true,
	PaymentCash:          true,
	PaymentOnlinePending: true,
}

// Book creates a booked appointment for the slot, snapshotting the doctor's fee.
func (s *BookingService) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id and doctor_id are required", ErrInvalidRequest)
	}
	if req.PaymentMode == "" {
		req.PaymentMode = PaymentUnset
	}
	if !initialPaymentModes[req.PaymentMode] {
		return nil, fmt.Errorf("%w: %q cannot start a booking", ErrInvalidPaymentMode, req.PaymentMode)
	}

	d, err := s.doctors.GetByID(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, doctor.ErrNotFound) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !d.Available {
		return nil, ErrDoctorUnavailable
	}
	label, err := s.calendar.ValidateSlot(d, req.Date, req.Time)
	if err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		SlotDate:    req.Date,
		SlotTime:    label,
		Amount:      d.Fee,
		PaymentMode: req.PaymentMode,
		Status:      StatusBooked,
	}
	if err := s.repo.Create(ctx, appt); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			return nil, ErrSlotUnavailable
		}
		s.logger.Error().Err(err).
			Str("doctor_id", req.DoctorID.String()).
			Str("slot_date", req.Date).
			Str("slot_time", label).
			Msg("appointment insert failed")
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", appt.DoctorID.String()).
		Str("slot_date", appt.SlotDate).
		Str("slot_time", appt.SlotTime).
		Str("amount", appt.Amount.StringFixed(2)).
		Msg("appointment booked")
	emit(ctx, s.pub, s.logger, EventBooked, appt)
	return appt, nil
}
