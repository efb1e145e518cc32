package doctor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/docbook/booking/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const doctorCols = `id, name, speciality, fee::text, available, working_hours,
	slot_minutes, booking_window_days, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var fee string
	err := row.Scan(&d.ID, &d.Name, &d.Speciality, &fee, &d.Available, &d.WorkingHours,
		&d.SlotMinutes, &d.BookingWindowDays, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if d.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee %q: %w", fee, err)
	}
	return &d, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

const specialityFilter = ` WHERE ($1::text = '' OR lower(speciality) = lower($1::text))`

func (r *repoPG) List(ctx context.Context, speciality string, limit, offset int) ([]*Doctor, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor`+specialityFilter, speciality).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctor`+specialityFilter+`
		ORDER BY name ASC, id ASC LIMIT $2 OFFSET $3`, speciality, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Upsert(ctx context.Context, d *Doctor) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, name, speciality, fee, available, working_hours,
			slot_minutes, booking_window_days)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, speciality = EXCLUDED.speciality, fee = EXCLUDED.fee,
			available = EXCLUDED.available, working_hours = EXCLUDED.working_hours,
			slot_minutes = EXCLUDED.slot_minutes, booking_window_days = EXCLUDED.booking_window_days,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Speciality, d.Fee.String(), d.Available, d.WorkingHours,
		d.SlotMinutes, d.BookingWindowDays).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *repoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE doctor SET available = $2, updated_at = NOW() WHERE id = $1`, id, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Count(ctx context.Context) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor`).Scan(&total)
	return total, err
}
