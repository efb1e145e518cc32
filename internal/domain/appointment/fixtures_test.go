package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/docbook/booking/internal/domain/doctor"
)

// testNow is Friday 2024-05-31 09:00 UTC; 2024-06-01 is a Saturday inside the window.
var testNow = time.Date(2024, 5, 31, 9, 0, 0, 0, time.UTC)

const slotDate = "2024-06-01"

type published struct {
	typ   string
	event Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, _ := payload.(Event)
	p.events = append(p.events, published{typ: eventType, event: ev})
	return p.err
}

func (p *recordingPublisher) ofType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.typ == eventType {
			out = append(out, e.event)
		}
	}
	return out
}

// tickingClock advances one second per call so created_at ordering is deterministic.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func everyDay(ranges ...doctor.TimeRange) doctor.WorkingHours {
	wh := doctor.WorkingHours{}
	for _, day := range []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"} {
		wh[day] = ranges
	}
	return wh
}

type fixture struct {
	appts     *MemoryRepo
	doctors   *doctor.MemoryRepo
	pub       *recordingPublisher
	calendar  *Calendar
	booking   *BookingService
	lifecycle *LifecycleService
	payments  *PaymentReconciler
	dashboard *DashboardAggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAt(t, testNow)
}

func newFixtureAt(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		appts:   NewMemoryRepo(),
		doctors: doctor.NewMemoryRepo(),
		pub:     &recordingPublisher{},
	}
	f.appts.now = tickingClock(now)
	f.calendar = NewCalendar(f.appts, f.doctors, time.UTC, func() time.Time { return now })
	f.booking = NewBookingService(f.appts, f.doctors, f.calendar, f.pub, zerolog.Nop())
	f.lifecycle = NewLifecycleService(f.appts, f.pub, zerolog.Nop())
	f.payments = NewPaymentReconciler(f.appts, f.pub, zerolog.Nop())
	f.dashboard = NewDashboardAggregator(f.appts, f.doctors, nil, 0, zerolog.Nop())
	return f
}

// addDoctor registers an available doctor working 10:00-13:00 every day in 30 minute slots.
func (f *fixture) addDoctor(t *testing.T, fee string) *doctor.Doctor {
	t.Helper()
	d := &doctor.Doctor{
		ID:           uuid.New(),
		Name:         "Dr. " + fee,
		Speciality:   "General physician",
		Fee:          decimal.RequireFromString(fee),
		Available:    true,
		WorkingHours: everyDay(doctor.TimeRange{Start: "10:00", End: "13:00"}),
	}
	d.ApplyDefaults()
	if err := f.doctors.Upsert(context.Background(), d); err != nil {
		t.Fatalf("Upsert doctor: %v", err)
	}
	return d
}

func (f *fixture) book(t *testing.T, patientID, doctorID uuid.UUID, label string) *Appointment {
	t.Helper()
	a, err := f.booking.Book(context.Background(), BookRequest{
		PatientID: patientID,
		DoctorID:  doctorID,
		Date:      slotDate,
		Time:      label,
	})
	if err != nil {
		t.Fatalf("Book %s: %v", label, err)
	}
	return a
}
