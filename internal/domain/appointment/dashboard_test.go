package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type mapCache struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	if c.getErr != nil {
		return false, c.getErr
	}
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *mapCache) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.data[key] = raw
	c.ttls[key] = ttl
	return nil
}

func TestAdminSummary(t *testing.T) {
	f := newFixture(t)
	d1 := f.addDoctor(t, "500")
	d2 := f.addDoctor(t, "700")
	alice, bob := uuid.New(), uuid.New()
	f.book(t, alice, d1.ID, "10:00 AM")
	f.book(t, alice, d2.ID, "10:00 AM")
	last := f.book(t, bob, d1.ID, "10:30 AM")

	got, err := f.dashboard.AdminSummary(context.Background(), 2)
	if err != nil {
		t.Fatalf("AdminSummary: %v", err)
	}
	if got.Doctors != 2 || got.Appointments != 3 || got.Patients != 2 {
		t.Errorf("unexpected counts %+v", got)
	}
	if len(got.Latest) != 2 || got.Latest[0].ID != last.ID {
		t.Errorf("expected the 2 newest appointments, newest first, got %+v", got.Latest)
	}
}

func TestDoctorSummary_Earnings(t *testing.T) {
	f := newFixture(t)
	d := f.addDoctor(t, "500")
	other := f.addDoctor(t, "900")
	ctx := context.Background()

	completed := f.book(t, uuid.New(), d.ID, "10:00 AM")
	_, _ = f.lifecycle.Complete(ctx, completed.ID)

	paid := f.book(t, uuid.New(), d.ID, "10:30 AM")
	_, _ = f.payments.ConfirmOnlinePayment(ctx, PaymentEvent{AppointmentID: paid.ID, GatewayRef: "p1", Success: true})

	cash := f.book(t, uuid.New(), d.ID, "11:00 AM")
	_, _ = f.payments.MarkCash(ctx, cash.ID)

	dropped := f.book(t, uuid.New(), d.ID, "11:30 AM")
	_, _ = f.lifecycle.Cancel(ctx, dropped.ID)

	f.book(t, uuid.New(), other.ID, "10:00 AM")

	got, err := f.dashboard.DoctorSummary(ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("DoctorSummary: %v", err)
	}
	if !got.Earnings.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected earnings 1000, got %s", got.Earnings)
	}
	if got.Appointments != 4 || got.Patients != 4 {
		t.Errorf("unexpected counts %+v", got)
	}
	if len(got.Latest) != 4 || got.Latest[0].ID != dropped.ID {
		t.Errorf("latest should hold this doctor's appointments newest first, got %d", len(got.Latest))
	}
	for _, a := range got.Latest {
		if a.DoctorID != d.ID {
			t.Errorf("latest leaked appointment for doctor %s", a.DoctorID)
		}
	}
}

func TestDashboard_ServesFromCache(t *testing.T) {
	f := newFixture(t)
	d := f.addDoctor(t, "500")
	cache := newMapCache()
	dash := NewDashboardAggregator(f.appts, f.doctors, cache, 15*time.Second, zerolog.Nop())
	ctx := context.Background()
	f.book(t, uuid.New(), d.ID, "10:00 AM")

	first, err := dash.AdminSummary(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if cache.ttls["dashboard:admin:5"] != 15*time.Second {
		t.Errorf("expected summary cached with ttl, got %v", cache.ttls)
	}

	f.book(t, uuid.New(), d.ID, "10:30 AM")
	second, _ := dash.AdminSummary(ctx, 5)
	if second.Appointments != first.Appointments {
		t.Errorf("expected cached value within ttl, got %d then %d", first.Appointments, second.Appointments)
	}

	fresh, _ := dash.AdminSummary(ctx, 3)
	if fresh.Appointments != 2 {
		t.Errorf("a different latest count is a different key, got %d", fresh.Appointments)
	}

	if _, err := dash.DoctorSummary(ctx, d.ID, 5); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.data["dashboard:doctor:"+d.ID.String()+":5"]; !ok {
		t.Errorf("doctor summary not cached, keys %v", cache.ttls)
	}
}

func TestDashboard_CacheErrorsIgnored(t *testing.T) {
	f := newFixture(t)
	d := f.addDoctor(t, "500")
	cache := newMapCache()
	cache.getErr = errors.New("redis: connection refused")
	cache.setErr = errors.New("redis: connection refused")
	dash := NewDashboardAggregator(f.appts, f.doctors, cache, time.Minute, zerolog.Nop())
	f.book(t, uuid.New(), d.ID, "10:00 AM")

	got, err := dash.DoctorSummary(context.Background(), d.ID, 5)
	if err != nil {
		t.Fatalf("cache failures must not fail the summary: %v", err)
	}
	if got.Appointments != 1 {
		t.Errorf("expected 1 appointment, got %d", got.Appointments)
	}
}

type failingStatsRepo struct{ Repository }

func (failingStatsRepo) Stats(context.Context, *uuid.UUID) (*Stats, error) {
	return nil, errors.New("statement timeout")
}

func TestDashboard_StorageFailure(t *testing.T) {
	f := newFixture(t)
	dash := NewDashboardAggregator(failingStatsRepo{f.appts}, f.doctors, nil, 0, zerolog.Nop())
	if _, err := dash.AdminSummary(context.Background(), 5); !errors.Is(err, ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}
