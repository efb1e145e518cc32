package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docbook/booking/internal/domain/doctor"
)

const (
	// DateLayout is the wire and storage form of a slot date.
	DateLayout = "2006-01-02"
	// TimeLabelLayout is the canonical slot label ("10:00 AM").
	TimeLabelLayout = "03:04 PM"
)

var labelLayouts = []string{TimeLabelLayout, "3:04 PM", doctor.ClockLayout}

// ParseTimeLabel accepts "10:00 AM", "9:30 PM" or "21:30" and returns minutes since midnight.
func ParseTimeLabel(label string) (int, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	for _, layout := range labelLayouts {
		if t, err := time.Parse(layout, label); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("%w: unrecognised time %q", ErrInvalidSlot, label)
}

// FormatTimeLabel renders minutes since midnight in the canonical label layout.
func FormatTimeLabel(minutes int) string {
	return time.Date(2000, 1, 1, 0, minutes, 0, 0, time.UTC).Format(TimeLabelLayout)
}

// CanonicalTimeLabel normalises any accepted label form to TimeLabelLayout.
func CanonicalTimeLabel(label string) (string, error) {
	m, err := ParseTimeLabel(label)
	if err != nil {
		return "", err
	}
	return FormatTimeLabel(m), nil
}

// Grid returns the sorted slot start minutes for a doctor on the given weekday.
func Grid(d *doctor.Doctor, day time.Weekday) []int {
	step := d.SlotMinutes
	if step <= 0 {
		step = doctor.DefaultSlotMinutes
	}
	seen := make(map[int]bool)
	var starts []int
	for _, r := range d.WorkingHours.For(day) {
		start, end, err := r.Bounds()
		if err != nil {
			continue
		}
		for m := start; m+step <= end; m += step {
			if !seen[m] {
				seen[m] = true
				starts = append(starts, m)
			}
		}
	}
	sort.Ints(starts)
	return starts
}

// DoctorReader is the read side of the doctor availability feed.
type DoctorReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*doctor.Doctor, error)
}

// Calendar derives slot availability from the doctor feed and the appointment store.
// It holds no state of its own.
type Calendar struct {
	appts   Repository
	doctors DoctorReader
	loc     *time.Location
	now     func() time.Time
}

func NewCalendar(appts Repository, doctors DoctorReader, loc *time.Location, now func() time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Calendar{appts: appts, doctors: doctors, loc: loc, now: now}
}

// dayOffset returns how many calendar days date lies after today in the calendar's zone.
func (c *Calendar) dayOffset(date string) (int, time.Weekday, error) {
	d, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid date %q", ErrInvalidSlot, date)
	}
	now := c.now().In(c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	target := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return int(target.Sub(today).Hours() / 24), d.Weekday(), nil
}

func (c *Calendar) minutesNow() int {
	now := c.now().In(c.loc)
	return now.Hour()*60 + now.Minute()
}

func inWindow(d *doctor.Doctor, offset int) bool {
	window := d.BookingWindowDays
	if window <= 0 {
		window = doctor.DefaultBookingWindowDays
	}
	return offset >= 0 && offset < window
}

// ValidateSlot checks that (date, label) is a bookable grid slot for d right now and
// returns the canonical label. Occupancy is not checked.
func (c *Calendar) ValidateSlot(d *doctor.Doctor, date, label string) (string, error) {
	offset, weekday, err := c.dayOffset(date)
	if err != nil {
		return "", err
	}
	if !inWindow(d, offset) {
		return "", fmt.Errorf("%w: %s is outside the booking window", ErrInvalidSlot, date)
	}
	minutes, err := ParseTimeLabel(label)
	if err != nil {
		return "", err
	}
	onGrid := false
	for _, m := range Grid(d, weekday) {
		if m == minutes {
			onGrid = true
			break
		}
	}
	if !onGrid {
		return "", fmt.Errorf("%w: %s is not a working slot on %s", ErrInvalidSlot, FormatTimeLabel(minutes), date)
	}
	if offset == 0 && minutes <= c.minutesNow() {
		return "", fmt.Errorf("%w: %s has already started", ErrInvalidSlot, FormatTimeLabel(minutes))
	}
	return FormatTimeLabel(minutes), nil
}

// IsFree reports whether no booked or completed appointment holds the slot.
func (c *Calendar) IsFree(ctx context.Context, doctorID uuid.UUID, date, label string) (bool, error) {
	canonical, err := CanonicalTimeLabel(label)
	if err != nil {
		return false, err
	}
	if _, _, err := c.dayOffset(date); err != nil {
		return false, err
	}
	occupied, err := c.appts.ListOccupied(ctx, doctorID, date)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	for _, t := range occupied {
		if t == canonical {
			return false, nil
		}
	}
	return true, nil
}

// FreeSlots lists the open labels for a doctor on date, in time order. Dates outside the
// booking window, unavailable doctors and already-started slots today yield nothing.
func (c *Calendar) FreeSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	d, err := c.doctors.GetByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, doctor.ErrNotFound) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	offset, weekday, err := c.dayOffset(date)
	if err != nil {
		return nil, err
	}
	free := []string{}
	if !d.Available || !inWindow(d, offset) {
		return free, nil
	}

	occupied, err := c.appts.ListOccupied(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	held := make(map[string]bool, len(occupied))
	for _, t := range occupied {
		held[t] = true
	}

	cutoff := -1
	if offset == 0 {
		cutoff = c.minutesNow()
	}
	for _, m := range Grid(d, weekday) {
		if m <= cutoff {
			continue
		}
		if label := FormatTimeLabel(m); !held[label] {
			free = append(free, label)
		}
	}
	return free, nil
}
