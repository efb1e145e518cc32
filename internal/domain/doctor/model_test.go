package doctor

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestTimeRange_Bounds(t *testing.T) {
	start, end, err := TimeRange{Start: "10:00", End: "21:30"}.Bounds()
	if err != nil || start != 600 || end != 1290 {
		t.Errorf("Bounds = %d, %d, %v", start, end, err)
	}
	for _, r := range []TimeRange{
		{Start: "10:00", End: "10:00"},
		{Start: "12:00", End: "09:00"},
		{Start: "10am", End: "12:00"},
		{Start: "10:00", End: "24:00"},
	} {
		if _, _, err := r.Bounds(); err == nil {
			t.Errorf("expected error for %+v", r)
		}
	}
}

func TestWorkingHours_For(t *testing.T) {
	wh := WorkingHours{"wednesday": {{Start: "09:00", End: "12:00"}}}
	if got := wh.For(time.Wednesday); len(got) != 1 {
		t.Errorf("expected wednesday ranges, got %v", got)
	}
	if got := wh.For(time.Thursday); got != nil {
		t.Errorf("expected no thursday ranges, got %v", got)
	}
}

func validDoctor() *Doctor {
	return &Doctor{
		ID:           uuid.New(),
		Name:         "Dr. Richard James",
		Speciality:   "General physician",
		Fee:          decimal.NewFromInt(50),
		Available:    true,
		WorkingHours: WorkingHours{"monday": {{Start: "10:00", End: "13:00"}}},
	}
}

func TestDoctor_ApplyDefaults(t *testing.T) {
	d := &Doctor{}
	d.ApplyDefaults()
	if d.SlotMinutes != DefaultSlotMinutes || d.BookingWindowDays != DefaultBookingWindowDays || d.WorkingHours == nil {
		t.Errorf("defaults not applied: %+v", d)
	}

	d = &Doctor{SlotMinutes: 15, BookingWindowDays: 14}
	d.ApplyDefaults()
	if d.SlotMinutes != 15 || d.BookingWindowDays != 14 {
		t.Errorf("explicit values overwritten: %+v", d)
	}
}

func TestDoctor_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Doctor)
		want   string
	}{
		{"valid", func(*Doctor) {}, ""},
		{"missing id", func(d *Doctor) { d.ID = uuid.Nil }, "id is required"},
		{"blank name", func(d *Doctor) { d.Name = "  " }, "name is required"},
		{"negative fee", func(d *Doctor) { d.Fee = decimal.NewFromInt(-1) }, "fee"},
		{"sub-cent fee", func(d *Doctor) { d.Fee = decimal.RequireFromString("500.555") }, "decimal places"},
		{"trailing zeros", func(d *Doctor) { d.Fee = decimal.RequireFromString("500.5500") }, ""},
		{"huge fee", func(d *Doctor) { d.Fee = decimal.New(1, 10) }, "exceeds"},
		{"tiny slot", func(d *Doctor) { d.SlotMinutes = 1 }, "slot_minutes"},
		{"unknown weekday", func(d *Doctor) { d.WorkingHours["funday"] = nil }, "unknown weekday"},
		{"bad range", func(d *Doctor) { d.WorkingHours["friday"] = []TimeRange{{Start: "18:00", End: "17:00"}} }, "friday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDoctor()
			d.ApplyDefaults()
			tt.mutate(d)
			err := d.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
