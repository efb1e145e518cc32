package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LifecycleService moves appointments out of booked. Both transitions are CAS on booked,
// so of two racing calls exactly one wins and the other sees ErrAlreadyTerminal.
type LifecycleService struct {
	repo   Repository
	pub    Publisher
	logger zerolog.Logger
}

func NewLifecycleService(repo Repository, pub Publisher, logger zerolog.Logger) *LifecycleService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &LifecycleService{
		repo:   repo,
		pub:    pub,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Cancel moves booked -> cancelled and frees the slot.
func (s *LifecycleService) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, EventCancelled)
}

// Complete moves booked -> completed.
func (s *LifecycleService) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, EventCompleted)
}

func (s *LifecycleService) transition(ctx context.Context, id uuid.UUID, next Status, event string) (*Appointment, error) {
	appt, err := s.repo.UpdateState(ctx, id, StatusBooked, next)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrStateConflict):
			return nil, ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("status", string(next)).
		Str("payment_mode", string(appt.PaymentMode)).
		Msg("appointment transitioned")
	emit(ctx, s.pub, s.logger, event, appt)
	return appt, nil
}
