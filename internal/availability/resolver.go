// Package availability answers whether a slot can be booked right now and,
// when it cannot, which nearby times can.  It only reads: checking never
// creates, consumes or expires a hold.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/schedule"
)

// DefaultMaxAlternatives bounds the suggestion list.
const DefaultMaxAlternatives = 6

// ErrInvalidQuery is returned for malformed queries.
var ErrInvalidQuery = errors.New("invalid availability query")

// Catalog resolves bookable services.
type Catalog interface {
	GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error)
}

// BookingSource lists appointments already confirmed in the external store.
type BookingSource interface {
	ListConfirmedSlots(ctx context.Context, tenantID, date string) ([]model.ConfirmedSlot, error)
}

// SlotReader is the read-only half of the ledger.
type SlotReader interface {
	PeekMany(ctx context.Context, keys []model.SlotKey) ([]model.SlotState, error)
}

// Resolver implements the availability check.
type Resolver struct {
	slots    SlotReader
	catalog  Catalog
	bookings BookingSource
	clock    clock.Clock
	max      int
	log      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clock = c } }

// WithMaxAlternatives caps the number of suggestions.
func WithMaxAlternatives(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

// NewResolver wires a Resolver.  bookings may be nil when no external store
// is configured.
func NewResolver(slots SlotReader, catalog Catalog, bookings BookingSource, opts ...Option) *Resolver {
	r := &Resolver{
		slots:    slots,
		catalog:  catalog,
		bookings: bookings,
		clock:    clock.NewSystem(),
		max:      DefaultMaxAlternatives,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check reports whether q.RequestedTime is bookable on q.Date.  When it is
// not, up to the configured number of free start times are suggested,
// nearest first with earlier times winning ties.  A day without any free
// time yields an empty list, not an error.
func (r *Resolver) Check(ctx context.Context, q model.AvailabilityQuery) (model.AvailabilityResult, error) {
	if strings.TrimSpace(q.TenantID) == "" || strings.TrimSpace(q.ServiceID) == "" {
		return model.AvailabilityResult{}, fmt.Errorf("%w: tenant and service are required", ErrInvalidQuery)
	}
	if _, err := model.ParseDate(q.Date); err != nil {
		return model.AvailabilityResult{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	svc, err := r.catalog.GetService(ctx, q.TenantID, q.ServiceID)
	if err != nil {
		return model.AvailabilityResult{}, err
	}
	grid, err := schedule.ForDate(svc, q.Date)
	if err != nil {
		return model.AvailabilityResult{}, err
	}

	result := model.AvailabilityResult{RequestedTime: q.RequestedTime, Alternatives: []model.TimeOfDay{}}
	candidates := grid.Candidates()
	if len(candidates) == 0 {
		return result, nil
	}

	busy, err := r.busySet(ctx, q, grid, candidates)
	if err != nil {
		return model.AvailabilityResult{}, err
	}

	if start, ok := grid.Quantize(q.RequestedTime); ok {
		result.RequestedTime = start
		if !busy[start] {
			result.Available = true
			return result, nil
		}
	}

	free := make([]model.TimeOfDay, 0, len(candidates))
	for _, c := range candidates {
		if !busy[c] {
			free = append(free, c)
		}
	}
	sort.SliceStable(free, func(i, j int) bool {
		di, dj := distance(free[i], q.RequestedTime), distance(free[j], q.RequestedTime)
		if di != dj {
			return di < dj
		}
		return free[i] < free[j]
	})
	if len(free) > r.max {
		free = free[:r.max]
	}
	result.Alternatives = free

	r.log.Debug("slot unavailable, alternatives computed",
		zap.String("tenant_id", q.TenantID),
		zap.String("service_id", q.ServiceID),
		zap.String("date", q.Date),
		zap.Stringer("requested", q.RequestedTime),
		zap.Int("alternatives", len(free)),
	)
	return result, nil
}

// busySet marks every candidate that cannot be booked: it starts in the
// past, it overlaps a slot the ledger reports held or confirmed, or it
// overlaps an appointment in the external store.
func (r *Resolver) busySet(ctx context.Context, q model.AvailabilityQuery, grid schedule.Grid, candidates []model.TimeOfDay) (map[model.TimeOfDay]bool, error) {
	busy := make(map[model.TimeOfDay]bool, len(candidates))
	now := r.clock.Now()

	keys := make([]model.SlotKey, len(candidates))
	for i, c := range candidates {
		keys[i] = model.SlotKey{TenantID: q.TenantID, ServiceID: q.ServiceID, Date: q.Date, Time: c}
	}
	states, err := r.slots.PeekMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("peek %s %s: %w", q.ServiceID, q.Date, err)
	}
	if len(states) != len(keys) {
		return nil, fmt.Errorf("peek %s %s: got %d states for %d slots", q.ServiceID, q.Date, len(states), len(keys))
	}

	var occupied []model.ConfirmedSlot
	for i, st := range states {
		if st.Busy() {
			occupied = append(occupied, model.ConfirmedSlot{ServiceID: q.ServiceID, Time: candidates[i], Duration: grid.Duration})
		}
	}

	if r.bookings != nil {
		booked, err := r.bookings.ListConfirmedSlots(ctx, q.TenantID, q.Date)
		if err != nil {
			return nil, fmt.Errorf("list confirmed slots: %w", err)
		}
		for _, b := range booked {
			if b.ServiceID == "" || b.ServiceID == q.ServiceID {
				occupied = append(occupied, b)
			}
		}
	}

	for _, c := range candidates {
		if !grid.StartsAt(c).After(now) {
			busy[c] = true
			continue
		}
		for _, o := range occupied {
			if schedule.Overlaps(c, grid.Duration, o.Time, o.Duration) {
				busy[c] = true
				break
			}
		}
	}
	return busy, nil
}

func distance(a, b model.TimeOfDay) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
