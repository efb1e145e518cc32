package doctor

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("doctor not found")

// Repository is the read/write surface of the doctor availability feed.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// List orders by name. A non-empty speciality keeps only doctors with that
	// speciality, compared case-insensitively.
	List(ctx context.Context, speciality string, limit, offset int) ([]*Doctor, int, error)
	Upsert(ctx context.Context, d *Doctor) error
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) error
	Count(ctx context.Context) (int, error)
}
