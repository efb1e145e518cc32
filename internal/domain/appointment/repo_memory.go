package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Repository. A single mutex serialises every write, so the
// slotHolders check and insert in Create form one atomic step.
type MemoryRepo struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]*Appointment
	slotHolders  map[SlotKey]uuid.UUID // slot -> occupying appointment (prevents double-booking)
	now          func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		appointments: make(map[uuid.UUID]*Appointment),
		slotHolders:  make(map[SlotKey]uuid.UUID),
		now:          time.Now,
	}
}

func (r *MemoryRepo) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := a.SlotKey()
	if _, held := r.slotHolders[key]; held {
		return ErrSlotConflict
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	stored := *a
	r.appointments[a.ID] = &stored
	if a.Status.Occupies() {
		r.slotHolders[key] = a.ID
	}
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (r *MemoryRepo) UpdateState(_ context.Context, id uuid.UUID, expected, next Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != expected {
		return nil, ErrStateConflict
	}
	a.Status = next
	a.UpdatedAt = r.now().UTC()
	if !next.Occupies() {
		// Free the slot so it can be booked again.
		if holder, held := r.slotHolders[a.SlotKey()]; held && holder == id {
			delete(r.slotHolders, a.SlotKey())
		}
	}
	return clone(a), nil
}

func (r *MemoryRepo) UpdatePayment(_ context.Context, id uuid.UUID, next PaymentMode, gatewayRef *string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.PaymentMode == next && sameRef(a.GatewayRef, gatewayRef) {
		return clone(a), nil
	}
	if !a.PaymentMode.CanMoveTo(next) {
		return nil, ErrPaymentConflict
	}
	a.PaymentMode = next
	if gatewayRef != nil {
		ref := *gatewayRef
		a.GatewayRef = &ref
	}
	a.UpdatedAt = r.now().UTC()
	return clone(a), nil
}

func (r *MemoryRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	match := func(a *Appointment) bool { return a.DoctorID == doctorID }
	return r.list(match, limit, offset), r.count(match), nil
}

func (r *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	match := func(a *Appointment) bool { return a.PatientID == patientID }
	return r.list(match, limit, offset), r.count(match), nil
}

func (r *MemoryRepo) ListAll(_ context.Context, limit, offset int) ([]*Appointment, int, error) {
	all := func(*Appointment) bool { return true }
	return r.list(all, limit, offset), r.count(all), nil
}

func (r *MemoryRepo) ListOccupied(_ context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var times []string
	for key := range r.slotHolders {
		if key.DoctorID == doctorID && key.Date == date {
			times = append(times, key.Time)
		}
	}
	sort.Strings(times)
	return times, nil
}

func (r *MemoryRepo) Stats(_ context.Context, doctorID *uuid.UUID) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{Earnings: decimal.Zero}
	patients := make(map[uuid.UUID]struct{})
	for _, a := range r.appointments {
		if doctorID != nil && a.DoctorID != *doctorID {
			continue
		}
		stats.Appointments++
		patients[a.PatientID] = struct{}{}
		if earns(a) {
			stats.Earnings = stats.Earnings.Add(a.Amount)
		}
	}
	stats.Patients = len(patients)
	return stats, nil
}

// earns reports whether a contributes to doctor earnings: completed, or paid online
// and not cancelled. A paid cancellation is pending refund.
func earns(a *Appointment) bool {
	if a.Status == StatusCancelled {
		return false
	}
	return a.Status == StatusCompleted || a.PaymentMode == PaymentOnlineConfirmed
}

// list returns matches newest first, mirroring the SQL ORDER BY created_at DESC.
func (r *MemoryRepo) list(match func(*Appointment) bool, limit, offset int) []*Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Appointment
	for _, a := range r.appointments {
		if match(a) {
			results = append(results, clone(a))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID.String() > results[j].ID.String()
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if offset >= len(results) {
		return []*Appointment{}
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}

func (r *MemoryRepo) count(match func(*Appointment) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.appointments {
		if match(a) {
			n++
		}
	}
	return n
}

func clone(a *Appointment) *Appointment {
	c := *a
	if a.GatewayRef != nil {
		ref := *a.GatewayRef
		c.GatewayRef = &ref
	}
	return &c
}
