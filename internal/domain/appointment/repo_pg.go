package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/docbook/booking/internal/platform/db"
)

const (
	pgUniqueViolation = "23505"
	slotHolderIndex   = "appointment_slot_holder"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, slot_date::text, slot_time, amount::text,
	payment_mode, status, gateway_ref, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var amount string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.SlotDate, &a.SlotTime, &amount,
		&a.PaymentMode, &a.Status, &a.GatewayRef, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return &a, nil
}

// Create relies on the partial unique index over live rows; the insert is the reservation.
func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, slot_date, slot_time, amount,
			payment_mode, status, gateway_ref)
		VALUES ($1, $2, $3, $4::date, $5, $6::numeric, $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.SlotDate, a.SlotTime, a.Amount.String(),
		a.PaymentMode, a.Status, a.GatewayRef).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == slotHolderIndex {
			return ErrSlotConflict
		}
		return err
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *repoPG) UpdateState(ctx context.Context, id uuid.UUID, expected, next Status) (*Appointment, error) {
	a, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols, id, expected, next))
	if !errors.Is(err, ErrNotFound) {
		return a, err
	}
	// No row matched: either the id is unknown or the state moved on.
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrStateConflict
}

func (r *repoPG) UpdatePayment(ctx context.Context, id uuid.UUID, next PaymentMode, gatewayRef *string) (*Appointment, error) {
	from := make([]string, 0, 3)
	for _, m := range paymentPredecessors[next] {
		from = append(from, string(m))
	}
	a, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment
		SET payment_mode = $2, gateway_ref = COALESCE($3, gateway_ref), updated_at = NOW()
		WHERE id = $1 AND payment_mode = ANY($4)
		RETURNING `+apptCols, id, next, gatewayRef, from))
	if !errors.Is(err, ErrNotFound) {
		return a, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PaymentMode == next && sameRef(current.GatewayRef, gatewayRef) {
		return current, nil
	}
	return nil, ErrPaymentConflict
}

func (r *repoPG) list(ctx context.Context, where string, limit, offset int, args ...interface{}) ([]*Appointment, int, error) {
	var total int
	countSQL := `SELECT COUNT(*) FROM appointment` + where
	if err := r.conn(ctx).QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+apptCols+` FROM appointment%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Appointment{}
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, ` WHERE doctor_id = $1`, limit, offset, doctorID)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, ` WHERE patient_id = $1`, limit, offset, patientID)
}

func (r *repoPG) ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, ``, limit, offset)
}

func (r *repoPG) ListOccupied(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT slot_time FROM appointment
		WHERE doctor_id = $1 AND slot_date = $2::date AND status <> 'cancelled'
		ORDER BY slot_time`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (r *repoPG) Stats(ctx context.Context, doctorID *uuid.UUID) (*Stats, error) {
	var stats Stats
	var earnings string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT patient_id),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'
				OR (status = 'booked' AND payment_mode = 'online-confirmed')), 0)::text
		FROM appointment
		WHERE $1::uuid IS NULL OR doctor_id = $1`, doctorID).Scan(&stats.Appointments, &stats.Patients, &earnings)
	if err != nil {
		return nil, err
	}
	if stats.Earnings, err = decimal.NewFromString(earnings); err != nil {
		return nil, fmt.Errorf("parse earnings %q: %w", earnings, err)
	}
	return &stats, nil
}
