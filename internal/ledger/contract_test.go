package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/model"
)

var epoch = time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC)

type ledgerFactory func(t *testing.T, clk clock.Clock) Ledger

func slot(hhmm string) model.SlotKey {
	tm, err := model.ParseTimeOfDay(hhmm)
	if err != nil {
		panic(err)
	}
	return model.SlotKey{TenantID: "clinic", ServiceID: "grooming", Date: "2025-03-05", Time: tm}
}

// runContract exercises behaviour every Ledger implementation must share.
func runContract(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	const ttl = 10 * time.Minute

	t.Run("hold then conflict", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, err := l.TryHold(ctx, slot("14:00"), "s1", ttl)
		if err != nil {
			t.Fatalf("TryHold: %v", err)
		}
		if res.ID == "" || res.SessionID != "s1" || res.SlotKey != slot("14:00") {
			t.Fatalf("unexpected reservation %+v", res)
		}
		if !res.ExpiresAt.Equal(epoch.Add(ttl)) {
			t.Fatalf("expected expiry %s, got %s", epoch.Add(ttl), res.ExpiresAt)
		}
		if _, err := l.TryHold(ctx, slot("14:00"), "s2", ttl); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := l.TryHold(ctx, slot("14:30"), "s2", ttl); err != nil {
			t.Fatalf("independent slot should be free: %v", err)
		}
	})

	t.Run("peek reflects holds and lazy expiry", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		st, err := l.Peek(ctx, slot("14:00"))
		if err != nil || st.Status != model.SlotFree {
			t.Fatalf("expected free slot, got %+v (%v)", st, err)
		}
		res, err := l.TryHold(ctx, slot("14:00"), "s1", ttl)
		if err != nil {
			t.Fatalf("TryHold: %v", err)
		}
		st, _ = l.Peek(ctx, slot("14:00"))
		if st.Status != model.SlotHeld || st.Reservation == nil || st.Reservation.ID != res.ID {
			t.Fatalf("expected held by %s, got %+v", res.ID, st)
		}
		clk.Advance(ttl)
		st, _ = l.Peek(ctx, slot("14:00"))
		if st.Status != model.SlotFree {
			t.Fatalf("expired hold must read as free, got %+v", st)
		}
		if _, err := l.Lookup(ctx, res.ID); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired from Lookup, got %v", err)
		}
	})

	t.Run("expired hold can be taken over without a sweep", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		old, err := l.TryHold(ctx, slot("10:00"), "a", 5*time.Minute)
		if err != nil {
			t.Fatalf("TryHold: %v", err)
		}
		clk.Advance(6 * time.Minute)
		fresh, err := l.TryHold(ctx, slot("10:00"), "b", ttl)
		if err != nil {
			t.Fatalf("takeover: %v", err)
		}
		if fresh.ID == old.ID {
			t.Fatalf("expected a new reservation id")
		}
		if _, err := l.Confirm(ctx, old.ID, "a"); !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
			t.Fatalf("old reservation must not confirm, got %v", err)
		}
		st, _ := l.Peek(ctx, slot("10:00"))
		if st.Status != model.SlotHeld || st.Reservation.ID != fresh.ID {
			t.Fatalf("expected slot held by the new reservation, got %+v", st)
		}
	})

	t.Run("confirm and attach", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("11:00"), "s1", ttl)
		clk.Advance(time.Minute)
		got, err := l.Confirm(ctx, res.ID, "s1")
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if got.ID != res.ID || got.SlotKey != res.SlotKey {
			t.Fatalf("unexpected confirmed reservation %+v", got)
		}
		st, _ := l.Peek(ctx, slot("11:00"))
		if st.Status != model.SlotConfirmed || st.AppointmentRef != "" {
			t.Fatalf("expected confirmed without ref, got %+v", st)
		}
		if err := l.AttachAppointment(ctx, slot("11:00"), "appt-1"); err != nil {
			t.Fatalf("AttachAppointment: %v", err)
		}
		st, _ = l.Peek(ctx, slot("11:00"))
		if st.AppointmentRef != "appt-1" {
			t.Fatalf("expected ref appt-1, got %+v", st)
		}
		if _, err := l.Confirm(ctx, res.ID, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second confirm must be ErrNotFound, got %v", err)
		}
		if _, err := l.TryHold(ctx, slot("11:00"), "s2", ttl); !errors.Is(err, ErrConflict) {
			t.Fatalf("confirmed slot must not be held, got %v", err)
		}
		if err := l.Revert(ctx, slot("11:00"), res.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("revert after attach must fail, got %v", err)
		}
	})

	t.Run("revert frees a confirmed slot", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("12:00"), "s1", ttl)
		if _, err := l.Confirm(ctx, res.ID, ""); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if err := l.Revert(ctx, slot("12:00"), "someone-else"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("revert with foreign id must fail, got %v", err)
		}
		if err := l.Revert(ctx, slot("12:00"), res.ID); err != nil {
			t.Fatalf("Revert: %v", err)
		}
		st, _ := l.Peek(ctx, slot("12:00"))
		if st.Status != model.SlotFree {
			t.Fatalf("expected free after revert, got %+v", st)
		}
	})

	t.Run("confirm after expiry", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("09:00"), "s1", ttl)
		clk.Advance(ttl + time.Second)
		if _, err := l.Confirm(ctx, res.ID, "s1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
		st, _ := l.Peek(ctx, slot("09:00"))
		if st.Status != model.SlotFree {
			t.Fatalf("expected free, got %+v", st)
		}
	})

	t.Run("session ownership", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("15:00"), "owner", ttl)
		if _, err := l.Confirm(ctx, res.ID, "intruder"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign confirm: expected ErrNotFound, got %v", err)
		}
		if _, err := l.Release(ctx, res.ID, "intruder"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign release: expected ErrNotFound, got %v", err)
		}
		if _, err := l.Lookup(ctx, res.ID); err != nil {
			t.Fatalf("hold must survive foreign attempts: %v", err)
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("16:00"), "s1", ttl)
		if _, err := l.Release(ctx, res.ID, "s1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := l.Release(ctx, res.ID, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second release: expected ErrNotFound, got %v", err)
		}
		if _, err := l.TryHold(ctx, slot("16:00"), "s2", ttl); err != nil {
			t.Fatalf("released slot should be free: %v", err)
		}
	})

	t.Run("unknown reservation", func(t *testing.T) {
		l := newLedger(t, clock.NewManual(epoch))
		if _, err := l.Lookup(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Lookup: expected ErrNotFound, got %v", err)
		}
		if _, err := l.Confirm(ctx, "nope", ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Confirm: expected ErrNotFound, got %v", err)
		}
		if err := l.AttachAppointment(ctx, slot("08:00"), "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("AttachAppointment: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("expire only after the lease ends", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		res, _ := l.TryHold(ctx, slot("17:00"), "s1", ttl)
		if _, err := l.Expire(ctx, res.ID); !errors.Is(err, ErrActive) {
			t.Fatalf("expected ErrActive, got %v", err)
		}
		clk.Advance(ttl)
		got, err := l.Expire(ctx, res.ID)
		if err != nil {
			t.Fatalf("Expire: %v", err)
		}
		if got.ID != res.ID || got.SessionID != "s1" {
			t.Fatalf("unexpected expired reservation %+v", got)
		}
		if _, err := l.Expire(ctx, res.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second expire: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("sweep removes only expired holds", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		short, _ := l.TryHold(ctx, slot("09:00"), "a", 5*time.Minute)
		long, _ := l.TryHold(ctx, slot("09:30"), "b", 20*time.Minute)
		clk.Advance(10 * time.Minute)

		swept, err := l.SweepExpired(ctx)
		if err != nil {
			t.Fatalf("SweepExpired: %v", err)
		}
		if len(swept) != 1 || swept[0].ID != short.ID {
			t.Fatalf("expected only %s swept, got %+v", short.ID, swept)
		}
		if _, err := l.Lookup(ctx, short.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("swept reservation: expected ErrNotFound, got %v", err)
		}
		if _, err := l.Lookup(ctx, long.ID); err != nil {
			t.Fatalf("live reservation must survive sweep: %v", err)
		}
		again, _ := l.SweepExpired(ctx)
		if len(again) != 0 {
			t.Fatalf("second sweep should be empty, got %+v", again)
		}
	})

	t.Run("concurrent holds on one slot", func(t *testing.T) {
		l := newLedger(t, clock.NewManual(epoch))
		const n = 32
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.TryHold(ctx, slot("13:00"), "s", ttl)
				switch {
				case err == nil:
					winners.Add(1)
				case !errors.Is(err, ErrConflict):
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})

	t.Run("ids containing colons", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		key := model.SlotKey{TenantID: "acme:east", ServiceID: "groom", Date: "2025-03-05", Time: 14 * 60}
		res, err := l.TryHold(ctx, key, "s1", ttl)
		if err != nil {
			t.Fatalf("TryHold: %v", err)
		}
		st, err := l.Peek(ctx, key)
		if err != nil || st.Status != model.SlotHeld || st.Reservation.SlotKey != key {
			t.Fatalf("expected held %+v, got %+v (%v)", key, st, err)
		}
		got, err := l.Lookup(ctx, res.ID)
		if err != nil || got.SlotKey != key {
			t.Fatalf("Lookup: %+v (%v)", got, err)
		}
		if _, err := l.Confirm(ctx, res.ID, "s1"); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if err := l.AttachAppointment(ctx, key, "appt-1"); err != nil {
			t.Fatalf("AttachAppointment: %v", err)
		}
		other := key
		other.TenantID = "acme"
		other.ServiceID = "east:groom"
		if st, _ := l.Peek(ctx, other); st.Status != model.SlotFree {
			t.Fatalf("distinct tenant/service split must not collide, got %+v", st)
		}

		second, err := l.TryHold(ctx, other, "s2", ttl)
		if err != nil {
			t.Fatalf("TryHold: %v", err)
		}
		clk.Advance(ttl)
		expired, err := l.SweepExpired(ctx)
		if err != nil || len(expired) != 1 || expired[0].ID != second.ID || expired[0].SlotKey != other {
			t.Fatalf("unexpected sweep result %+v (%v)", expired, err)
		}
	})

	t.Run("peek many", func(t *testing.T) {
		clk := clock.NewManual(epoch)
		l := newLedger(t, clk)
		held, _ := l.TryHold(ctx, slot("09:00"), "s1", ttl)
		done, _ := l.TryHold(ctx, slot("10:00"), "s1", ttl)
		if _, err := l.Confirm(ctx, done.ID, "s1"); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		states, err := l.PeekMany(ctx, []model.SlotKey{slot("09:00"), slot("09:30"), slot("10:00")})
		if err != nil {
			t.Fatalf("PeekMany: %v", err)
		}
		if len(states) != 3 {
			t.Fatalf("expected 3 states, got %d", len(states))
		}
		if states[0].Status != model.SlotHeld || states[0].Reservation.ID != held.ID {
			t.Fatalf("09:00: expected held, got %+v", states[0])
		}
		if states[1].Status != model.SlotFree || states[2].Status != model.SlotConfirmed {
			t.Fatalf("unexpected states %+v", states)
		}
		clk.Advance(ttl)
		states, _ = l.PeekMany(ctx, []model.SlotKey{slot("09:00")})
		if states[0].Status != model.SlotFree {
			t.Fatalf("expired hold must read as free, got %+v", states[0])
		}
		if states, err := l.PeekMany(ctx, nil); err != nil || len(states) != 0 {
			t.Fatalf("empty PeekMany: %v %v", states, err)
		}
	})
}
