package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaymentReconciler applies payment-mode transitions, including gateway confirmations
// that may arrive duplicated, late, or after the appointment was cancelled.
type PaymentReconciler struct {
	repo   Repository
	pub    Publisher
	logger zerolog.Logger
}

func NewPaymentReconciler(repo Repository, pub Publisher, logger zerolog.Logger) *PaymentReconciler {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &PaymentReconciler{
		repo:   repo,
		pub:    pub,
		logger: logger.With().Str("component", "payment").Logger(),
	}
}

func (p *PaymentReconciler) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := p.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return a, nil
}

// ConfirmOnlinePayment records a gateway confirmation. A repeat with the same reference
// succeeds without change; a different reference after confirmation is
// ErrAlreadyTerminalPayment. A failed payment leaves the appointment untouched. A
// cancelled appointment still records the payment and stays cancelled.
func (p *PaymentReconciler) ConfirmOnlinePayment(ctx context.Context, ev PaymentEvent) (*Appointment, error) {
	ref := strings.TrimSpace(ev.GatewayRef)
	if ev.AppointmentID == uuid.Nil || ref == "" {
		return nil, fmt.Errorf("%w: appointment_id and gateway_ref are required", ErrInvalidRequest)
	}
	log := p.logger.With().
		Str("appointment_id", ev.AppointmentID.String()).
		Str("gateway_ref", ref).
		Logger()

	current, err := p.load(ctx, ev.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !ev.Success {
		log.Warn().Str("payment_mode", string(current.PaymentMode)).Msg("gateway reported failed payment")
		return current, nil
	}
	if current.PaymentMode == PaymentOnlineConfirmed {
		if current.GatewayRef != nil && *current.GatewayRef == ref {
			log.Debug().Msg("duplicate payment confirmation")
			return current, nil
		}
		log.Error().Msg("payment already confirmed under another gateway reference")
		return nil, ErrAlreadyTerminalPayment
	}

	confirmed, err := p.repo.UpdatePayment(ctx, ev.AppointmentID, PaymentOnlineConfirmed, &ref)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrPaymentConflict):
			// Lost a race with a confirmation carrying another reference.
			log.Error().Msg("payment already confirmed under another gateway reference")
			return nil, ErrAlreadyTerminalPayment
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if confirmed.Status == StatusCancelled {
		log.Warn().Msg("payment confirmed for cancelled appointment")
	} else {
		log.Info().Msg("payment confirmed")
	}
	emit(ctx, p.pub, p.logger, EventPaymentConfirmed, confirmed)
	return confirmed, nil
}

// MarkCash records that the patient will pay at the clinic.
func (p *PaymentReconciler) MarkCash(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return p.advance(ctx, id, PaymentCash)
}

// StartOnlinePayment records that the patient chose to pay through the gateway.
func (p *PaymentReconciler) StartOnlinePayment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return p.advance(ctx, id, PaymentOnlinePending)
}

func (p *PaymentReconciler) advance(ctx context.Context, id uuid.UUID, next PaymentMode) (*Appointment, error) {
	current, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCancelled {
		return nil, ErrAlreadyTerminal
	}
	updated, err := p.repo.UpdatePayment(ctx, id, next, nil)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrPaymentConflict):
			return nil, fmt.Errorf("%w: payment is already %s", ErrPaymentConflict, current.PaymentMode)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	p.logger.Info().
		Str("appointment_id", id.String()).
		Str("payment_mode", string(next)).
		Msg("payment mode updated")
	return updated, nil
}
