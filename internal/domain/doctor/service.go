package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrInvalid = errors.New("invalid doctor record")

// TxRunner runs fn atomically. Repositories joined through ctx see one transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

func inline(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Service ingests the availability feed published by doctor management.
type Service struct {
	repo   Repository
	tx     TxRunner
	logger zerolog.Logger
}

// NewService builds a Service; tx may be nil when the repository has no transactions.
func NewService(repo Repository, tx TxRunner, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = inline
	}
	return &Service{repo: repo, tx: tx, logger: logger.With().Str("component", "doctor").Logger()}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, speciality string, limit, offset int) ([]*Doctor, int, error) {
	return s.repo.List(ctx, strings.TrimSpace(speciality), limit, offset)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Upsert validates and stores a single feed record.
func (s *Service) Upsert(ctx context.Context, d *Doctor) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s.repo.Upsert(ctx, d)
}

func (s *Service) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	if err := s.repo.SetAvailability(ctx, id, available); err != nil {
		return err
	}
	s.logger.Info().Str("doctor_id", id.String()).Bool("available", available).Msg("availability changed")
	return nil
}

// Import reads a JSON array of doctors from r and upserts them all or none.
func (s *Service) Import(ctx context.Context, r io.Reader) (int, error) {
	var feed []*Doctor
	if err := json.NewDecoder(r).Decode(&feed); err != nil {
		return 0, fmt.Errorf("decode feed: %w", err)
	}
	for i, d := range feed {
		d.ApplyDefaults()
		if err := d.Validate(); err != nil {
			return 0, fmt.Errorf("%w: record %d: %w", ErrInvalid, i, err)
		}
	}

	err := s.tx(ctx, func(ctx context.Context) error {
		for _, d := range feed {
			if err := s.repo.Upsert(ctx, d); err != nil {
				return fmt.Errorf("upsert %s: %w", d.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("count", len(feed)).Msg("doctor feed imported")
	return len(feed), nil
}
