package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/model"
)

// cell holds the state of one SlotKey.  A cell is removed from the map once
// it is empty; dead marks a removed cell so that a goroutine which loaded it
// before removal retries with a fresh one.
type cell struct {
	mu   sync.Mutex
	dead bool

	hold *model.Reservation

	confirmed bool
	confirmID string
	ref       model.AppointmentRef
}

func (c *cell) empty() bool {
	return c.hold == nil && !c.confirmed
}

// MemoryLedger keeps slot state in process memory with one mutex per key.
type MemoryLedger struct {
	clock clock.Clock
	newID func() string

	cells sync.Map // model.SlotKey -> *cell
	index sync.Map // reservation ID -> model.SlotKey
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(clk clock.Clock) *MemoryLedger {
	return &MemoryLedger{clock: clk, newID: uuid.NewString}
}

// withCell runs fn while holding the lock of key's cell, creating the cell
// when needed and discarding it when fn leaves it empty.
func (l *MemoryLedger) withCell(key model.SlotKey, fn func(c *cell)) {
	for {
		v, _ := l.cells.LoadOrStore(key, &cell{})
		c := v.(*cell)
		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		fn(c)
		if c.empty() {
			c.dead = true
			l.cells.Delete(key)
		}
		c.mu.Unlock()
		return
	}
}

// existingCell runs fn on key's cell only if one exists.  It never creates
// or removes cells, which keeps reads free of side effects.
func (l *MemoryLedger) existingCell(key model.SlotKey, fn func(c *cell)) bool {
	v, ok := l.cells.Load(key)
	if !ok {
		return false
	}
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	fn(c)
	return true
}

func (l *MemoryLedger) TryHold(_ context.Context, key model.SlotKey, sessionID string, ttl time.Duration) (model.Reservation, error) {
	now := l.clock.Now()
	var (
		res model.Reservation
		err error
	)
	l.withCell(key, func(c *cell) {
		if c.confirmed {
			err = ErrConflict
			return
		}
		if c.hold != nil {
			if !c.hold.Expired(now) {
				err = ErrConflict
				return
			}
			l.index.Delete(c.hold.ID)
			c.hold = nil
		}
		res = model.Reservation{
			ID:        l.newID(),
			SessionID: sessionID,
			SlotKey:   key,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		held := res
		c.hold = &held
		l.index.Store(res.ID, key)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

// endHold is the shared body of Confirm and Release.  confirm selects the
// state the slot moves to.
func (l *MemoryLedger) endHold(reservationID, sessionID string, confirm bool) (model.Reservation, error) {
	v, ok := l.index.Load(reservationID)
	if !ok {
		return model.Reservation{}, ErrNotFound
	}
	key := v.(model.SlotKey)
	now := l.clock.Now()

	var (
		res model.Reservation
		err error
	)
	l.withCell(key, func(c *cell) {
		if c.hold == nil || c.hold.ID != reservationID {
			l.index.Delete(reservationID)
			err = ErrNotFound
			return
		}
		if sessionID != "" && c.hold.SessionID != sessionID {
			err = ErrNotFound
			return
		}
		res = *c.hold
		c.hold = nil
		l.index.Delete(reservationID)
		if res.Expired(now) {
			if confirm {
				err = ErrExpired
			} else {
				err = ErrNotFound
			}
			return
		}
		if confirm {
			c.confirmed = true
			c.confirmID = res.ID
			c.ref = ""
		}
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

func (l *MemoryLedger) Confirm(_ context.Context, reservationID, sessionID string) (model.Reservation, error) {
	return l.endHold(reservationID, sessionID, true)
}

func (l *MemoryLedger) Release(_ context.Context, reservationID, sessionID string) (model.Reservation, error) {
	return l.endHold(reservationID, sessionID, false)
}

func (l *MemoryLedger) AttachAppointment(_ context.Context, key model.SlotKey, ref model.AppointmentRef) error {
	err := ErrNotFound
	l.existingCell(key, func(c *cell) {
		if c.confirmed {
			c.ref = ref
			err = nil
		}
	})
	return err
}

func (l *MemoryLedger) Revert(_ context.Context, key model.SlotKey, reservationID string) error {
	err := ErrNotFound
	l.withCell(key, func(c *cell) {
		if c.confirmed && c.confirmID == reservationID && c.ref == "" {
			c.confirmed = false
			c.confirmID = ""
			err = nil
		}
	})
	return err
}

func (l *MemoryLedger) Expire(_ context.Context, reservationID string) (model.Reservation, error) {
	v, ok := l.index.Load(reservationID)
	if !ok {
		return model.Reservation{}, ErrNotFound
	}
	now := l.clock.Now()
	var (
		res model.Reservation
		err error
	)
	l.withCell(v.(model.SlotKey), func(c *cell) {
		switch {
		case c.hold == nil || c.hold.ID != reservationID:
			l.index.Delete(reservationID)
			err = ErrNotFound
		case !c.hold.Expired(now):
			err = ErrActive
		default:
			res = *c.hold
			c.hold = nil
			l.index.Delete(reservationID)
		}
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return res, nil
}

func (l *MemoryLedger) Lookup(_ context.Context, reservationID string) (model.Reservation, error) {
	v, ok := l.index.Load(reservationID)
	if !ok {
		return model.Reservation{}, ErrNotFound
	}
	now := l.clock.Now()
	var (
		res   model.Reservation
		found bool
	)
	l.existingCell(v.(model.SlotKey), func(c *cell) {
		if c.hold != nil && c.hold.ID == reservationID {
			res, found = *c.hold, true
		}
	})
	if !found {
		return model.Reservation{}, ErrNotFound
	}
	if res.Expired(now) {
		return model.Reservation{}, ErrExpired
	}
	return res, nil
}

func (l *MemoryLedger) Peek(_ context.Context, key model.SlotKey) (model.SlotState, error) {
	now := l.clock.Now()
	state := model.SlotState{Status: model.SlotFree}
	l.existingCell(key, func(c *cell) {
		switch {
		case c.confirmed:
			state = model.SlotState{Status: model.SlotConfirmed, AppointmentRef: c.ref}
		case c.hold != nil && !c.hold.Expired(now):
			held := *c.hold
			state = model.SlotState{Status: model.SlotHeld, Reservation: &held}
		}
	})
	return state, nil
}

func (l *MemoryLedger) PeekMany(ctx context.Context, keys []model.SlotKey) ([]model.SlotState, error) {
	out := make([]model.SlotState, len(keys))
	for i, k := range keys {
		out[i], _ = l.Peek(ctx, k)
	}
	return out, nil
}

func (l *MemoryLedger) SweepExpired(ctx context.Context) ([]model.Reservation, error) {
	now := l.clock.Now()
	cutoff := pruneBefore(now)

	var keys []model.SlotKey
	l.cells.Range(func(k, _ any) bool {
		keys = append(keys, k.(model.SlotKey))
		return true
	})

	var expired []model.Reservation
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		v, ok := l.cells.Load(key)
		if !ok {
			continue
		}
		c := v.(*cell)
		c.mu.Lock()
		if !c.dead {
			if c.hold != nil && c.hold.Expired(now) {
				expired = append(expired, *c.hold)
				l.index.Delete(c.hold.ID)
				c.hold = nil
			}
			if c.confirmed && key.Date < cutoff {
				c.confirmed = false
				c.confirmID = ""
				c.ref = ""
			}
			if c.empty() {
				c.dead = true
				l.cells.Delete(key)
			}
		}
		c.mu.Unlock()
	}
	return expired, nil
}
