package appointment

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/docbook/booking/internal/platform/db"
)

// pgRepo connects to BOOKING_TEST_DATABASE_URL, migrates it and registers a
// fresh doctor whose rows are removed when the test ends.
func pgRepo(t *testing.T) (Repository, uuid.UUID) {
	t.Helper()
	url := os.Getenv("BOOKING_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BOOKING_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, url, 20, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}

	doctorID := uuid.New()
	if _, err := pool.Exec(ctx, `INSERT INTO doctor (id, name, speciality, fee) VALUES ($1, 'Dr. Test', 'General', 500)`, doctorID); err != nil {
		pool.Close()
		t.Fatalf("seed doctor: %v", err)
	}
	t.Cleanup(func() {
		cleanupPG(t, pool, doctorID)
		pool.Close()
	})
	return NewRepoPG(pool), doctorID
}

func cleanupPG(t *testing.T, pool *pgxpool.Pool, doctorID uuid.UUID) {
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `DELETE FROM appointment WHERE doctor_id = $1`, doctorID); err != nil {
		t.Logf("warning: cleanup appointments: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM doctor WHERE id = $1`, doctorID); err != nil {
		t.Logf("warning: cleanup doctor: %v", err)
	}
}

func pgAppointment(doctorID uuid.UUID, slot string) *Appointment {
	return &Appointment{
		PatientID:   uuid.New(),
		DoctorID:    doctorID,
		SlotDate:    slotDate,
		SlotTime:    slot,
		Amount:      decimal.NewFromInt(500),
		PaymentMode: PaymentUnset,
		Status:      StatusBooked,
	}
}

func TestRepoPG_ConcurrentCreateHasOneWinner(t *testing.T) {
	repo, doctorID := pgRepo(t)
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Create(ctx, pgAppointment(doctorID, "10:00 AM"))
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, n-1)
	}

	occupied, err := repo.ListOccupied(ctx, doctorID, slotDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(occupied) != 1 || occupied[0] != "10:00 AM" {
		t.Errorf("occupied = %v", occupied)
	}
}

func TestRepoPG_CancelReleasesSlot(t *testing.T) {
	repo, doctorID := pgRepo(t)
	ctx := context.Background()

	first := pgAppointment(doctorID, "11:00 AM")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, pgAppointment(doctorID, "11:00 AM")); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict while held, got %v", err)
	}

	cancelled, err := repo.UpdateState(ctx, first.ID, StatusBooked, StatusCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled || cancelled.PatientID != first.PatientID || !cancelled.Amount.Equal(first.Amount) {
		t.Errorf("unexpected row after cancel: %+v", cancelled)
	}

	again := pgAppointment(doctorID, "11:00 AM")
	if err := repo.Create(ctx, again); err != nil {
		t.Fatalf("re-book after cancel: %v", err)
	}
	got, err := repo.GetByID(ctx, again.ID)
	if err != nil || got.Status != StatusBooked {
		t.Errorf("re-booked row = %+v, %v", got, err)
	}
}

func TestRepoPG_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	repo, doctorID := pgRepo(t)
	ctx := context.Background()

	a := pgAppointment(doctorID, "12:00 PM")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	targets := []Status{StatusCancelled, StatusCompleted, StatusCancelled, StatusCompleted}
	var wg sync.WaitGroup
	type result struct {
		next Status
		err  error
	}
	results := make(chan result, len(targets))
	for _, next := range targets {
		wg.Add(1)
		go func(next Status) {
			defer wg.Done()
			_, err := repo.UpdateState(ctx, a.ID, StatusBooked, next)
			results <- result{next, err}
		}(next)
	}
	wg.Wait()
	close(results)

	var winner Status
	wins := 0
	for r := range results {
		switch {
		case r.err == nil:
			wins++
			winner = r.next
		case !errors.Is(r.err, ErrStateConflict):
			t.Errorf("unexpected error: %v", r.err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	got, err := repo.GetByID(ctx, a.ID)
	if err != nil || got.Status != winner {
		t.Errorf("stored status = %v (%v), winner was %s", got, err, winner)
	}

	if _, err := repo.UpdateState(ctx, uuid.New(), StatusBooked, StatusCancelled); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestRepoPG_ConfirmPaymentIdempotence(t *testing.T) {
	repo, doctorID := pgRepo(t)
	ctx := context.Background()

	a := pgAppointment(doctorID, "02:00 PM")
	if err := repo.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdatePayment(ctx, a.ID, PaymentOnlinePending, nil); err != nil {
		t.Fatal(err)
	}

	ref := "pay_123"
	confirmed, err := repo.UpdatePayment(ctx, a.ID, PaymentOnlineConfirmed, &ref)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.PaymentMode != PaymentOnlineConfirmed || confirmed.GatewayRef == nil || *confirmed.GatewayRef != ref {
		t.Fatalf("unexpected confirmed row: %+v", confirmed)
	}

	same := "pay_123"
	replay, err := repo.UpdatePayment(ctx, a.ID, PaymentOnlineConfirmed, &same)
	if err != nil {
		t.Fatalf("same-ref replay: %v", err)
	}
	if !replay.UpdatedAt.Equal(confirmed.UpdatedAt) {
		t.Error("same-ref replay should not write the row")
	}

	other := "pay_999"
	if _, err := repo.UpdatePayment(ctx, a.ID, PaymentOnlineConfirmed, &other); !errors.Is(err, ErrPaymentConflict) {
		t.Errorf("different ref: expected ErrPaymentConflict, got %v", err)
	}
	if _, err := repo.UpdatePayment(ctx, a.ID, PaymentCash, nil); !errors.Is(err, ErrPaymentConflict) {
		t.Errorf("backwards move: expected ErrPaymentConflict, got %v", err)
	}
}

func TestRepoPG_StatsEarnings(t *testing.T) {
	repo, doctorID := pgRepo(t)
	ctx := context.Background()

	completed := pgAppointment(doctorID, "03:00 PM")
	paid := pgAppointment(doctorID, "03:30 PM")
	paidCancelled := pgAppointment(doctorID, "04:00 PM")
	unpaid := pgAppointment(doctorID, "04:30 PM")
	for _, a := range []*Appointment{completed, paid, paidCancelled, unpaid} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.UpdateState(ctx, completed.ID, StatusBooked, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	for _, a := range []*Appointment{paid, paidCancelled} {
		if _, err := repo.UpdatePayment(ctx, a.ID, PaymentOnlineConfirmed, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.UpdateState(ctx, paidCancelled.ID, StatusBooked, StatusCancelled); err != nil {
		t.Fatal(err)
	}

	stats, err := repo.Stats(ctx, &doctorID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Appointments != 4 || stats.Patients != 4 {
		t.Errorf("counts = %+v", stats)
	}
	if !stats.Earnings.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("earnings = %s, want 1000", stats.Earnings)
	}

	all, err := repo.Stats(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if all.Appointments < stats.Appointments || all.Earnings.LessThan(stats.Earnings) {
		t.Errorf("global stats %+v smaller than one doctor's %+v", all, stats)
	}
}
