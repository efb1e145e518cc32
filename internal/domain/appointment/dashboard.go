package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const DefaultLatestN = 5

// DoctorCounter reports how many doctors the feed holds.
type DoctorCounter interface {
	Count(ctx context.Context) (int, error)
}

// Cache stores JSON-encoded rollups. A miss returns false with a nil error.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

type AdminSummary struct {
	Doctors      int            `json:"doctors"`
	Appointments int            `json:"appointments"`
	Patients     int            `json:"patients"`
	Latest       []*Appointment `json:"latest"`
}

type DoctorSummary struct {
	DoctorID     uuid.UUID       `json:"doctor_id"`
	Earnings     decimal.Decimal `json:"earnings"`
	Appointments int             `json:"appointments"`
	Patients     int             `json:"patients"`
	Latest       []*Appointment  `json:"latest"`
}

// DashboardAggregator computes read-only rollups. Results may lag the store by the cache TTL.
type DashboardAggregator struct {
	repo    Repository
	doctors DoctorCounter
	cache   Cache
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewDashboardAggregator builds an aggregator; cache may be nil.
func NewDashboardAggregator(repo Repository, doctors DoctorCounter, cache Cache, ttl time.Duration, logger zerolog.Logger) *DashboardAggregator {
	return &DashboardAggregator{
		repo:    repo,
		doctors: doctors,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With().Str("component", "dashboard").Logger(),
	}
}

func (d *DashboardAggregator) AdminSummary(ctx context.Context, latestN int) (*AdminSummary, error) {
	if latestN <= 0 {
		latestN = DefaultLatestN
	}
	key := fmt.Sprintf("dashboard:admin:%d", latestN)
	var out AdminSummary
	if d.fromCache(ctx, key, &out) {
		return &out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := d.doctors.Count(gctx)
		out.Doctors = n
		return err
	})
	g.Go(func() error {
		stats, err := d.repo.Stats(gctx, nil)
		if err == nil {
			out.Appointments, out.Patients = stats.Appointments, stats.Patients
		}
		return err
	})
	g.Go(func() error {
		latest, _, err := d.repo.ListAll(gctx, latestN, 0)
		out.Latest = latest
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	d.toCache(ctx, key, &out)
	return &out, nil
}

func (d *DashboardAggregator) DoctorSummary(ctx context.Context, doctorID uuid.UUID, latestN int) (*DoctorSummary, error) {
	if latestN <= 0 {
		latestN = DefaultLatestN
	}
	key := fmt.Sprintf("dashboard:doctor:%s:%d", doctorID, latestN)
	out := DoctorSummary{DoctorID: doctorID}
	if d.fromCache(ctx, key, &out) {
		return &out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := d.repo.Stats(gctx, &doctorID)
		if err == nil {
			out.Earnings, out.Appointments, out.Patients = stats.Earnings, stats.Appointments, stats.Patients
		}
		return err
	})
	g.Go(func() error {
		latest, _, err := d.repo.ListByDoctor(gctx, doctorID, latestN, 0)
		out.Latest = latest
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	d.toCache(ctx, key, &out)
	return &out, nil
}

func (d *DashboardAggregator) fromCache(ctx context.Context, key string, dst any) bool {
	if d.cache == nil {
		return false
	}
	hit, err := d.cache.GetJSON(ctx, key, dst)
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("dashboard cache read failed")
		return false
	}
	return hit
}

func (d *DashboardAggregator) toCache(ctx context.Context, key string, v any) {
	if d.cache == nil || d.ttl <= 0 {
		return
	}
	if err := d.cache.SetJSON(ctx, key, v, d.ttl); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("dashboard cache write failed")
	}
}
