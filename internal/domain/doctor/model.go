package doctor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultSlotMinutes       = 30
	DefaultBookingWindowDays = 7

	// ClockLayout is the layout of working-hour boundaries ("10:00", "21:00").
	ClockLayout = "15:04"
)

// TimeRange is a half-open working interval [Start, End) on a single day.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Bounds parses the range into minutes since midnight.
func (r TimeRange) Bounds() (start, end int, err error) {
	s, err := time.Parse(ClockLayout, r.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q: %w", r.Start, err)
	}
	e, err := time.Parse(ClockLayout, r.End)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q: %w", r.End, err)
	}
	start = s.Hour()*60 + s.Minute()
	end = e.Hour()*60 + e.Minute()
	if end <= start {
		return 0, 0, fmt.Errorf("range %s-%s ends before it starts", r.Start, r.End)
	}
	return start, end, nil
}

// WorkingHours maps a lower-case weekday name ("monday") to the ranges worked that day.
type WorkingHours map[string][]TimeRange

// For returns the ranges configured for the given weekday.
func (w WorkingHours) For(day time.Weekday) []TimeRange {
	return w[strings.ToLower(day.String())]
}

// Validate rejects unknown weekday keys and malformed ranges.
func (w WorkingHours) Validate() error {
	for key, ranges := range w {
		if !validWeekdays[key] {
			return fmt.Errorf("unknown weekday %q", key)
		}
		for _, r := range ranges {
			if _, _, err := r.Bounds(); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

var validWeekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Doctor is the slice of the doctor-management record the booking engine reads.
type Doctor struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	Speciality        string          `json:"speciality"`
	Fee               decimal.Decimal `json:"fee"`
	Available         bool            `json:"available"`
	WorkingHours      WorkingHours    `json:"working_hours"`
	SlotMinutes       int             `json:"slot_minutes"`
	BookingWindowDays int             `json:"booking_window_days"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ApplyDefaults fills slot length and booking window when the feed omits them.
func (d *Doctor) ApplyDefaults() {
	if d.SlotMinutes <= 0 {
		d.SlotMinutes = DefaultSlotMinutes
	}
	if d.BookingWindowDays <= 0 {
		d.BookingWindowDays = DefaultBookingWindowDays
	}
	if d.WorkingHours == nil {
		d.WorkingHours = WorkingHours{}
	}
}

var maxFee = decimal.New(1, 10)

func (d *Doctor) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if d.Fee.IsNegative() {
		return fmt.Errorf("fee must not be negative")
	}
	// fee and amount columns are NUMERIC(12,2).
	if !d.Fee.Equal(d.Fee.Round(2)) {
		return fmt.Errorf("fee %s has more than 2 decimal places", d.Fee)
	}
	if d.Fee.GreaterThanOrEqual(maxFee) {
		return fmt.Errorf("fee %s exceeds %s", d.Fee, maxFee)
	}
	if d.SlotMinutes < 5 || d.SlotMinutes > 240 {
		return fmt.Errorf("slot_minutes must be between 5 and 240, got %d", d.SlotMinutes)
	}
	return d.WorkingHours.Validate()
}
