package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/model"
)

// Redis layout, all keys under a configurable prefix:
//
//	<prefix>:slot:<slot key>  hash  state,id,session,key,created_ms,expires_ms,ref,keep_until_ms
//	<prefix>:res:<id>         string  the slot hash key a live hold lives under
//	<prefix>:expiry           zset  reservation id scored by expires_ms
//
// Every transition runs as one Lua script so it is atomic per slot.  The
// scripts never consult the Redis clock; now_ms is passed in from the
// injected clock so lazy expiry agrees with the process view of time.
// Redis key TTLs only garbage-collect what the sweeper missed.

var tryHoldScript = redis.NewScript(`
	local slot = KEYS[1]
	local res = KEYS[2]
	local zset = KEYS[3]
	local now_ms = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[2])
	local id = ARGV[3]
	local session = ARGV[4]
	local canonical = ARGV[5]
	local res_prefix = ARGV[6]
	local grace_ms = tonumber(ARGV[7])
	local keep_until_ms = ARGV[8]

	local cur = redis.call('HMGET', slot, 'state', 'id', 'expires_ms')
	if cur[1] == 'confirmed' then
		return { 0 }
	end
	if cur[1] == 'held' then
		local exp = tonumber(cur[3])
		if exp ~= nil and exp > now_ms then
			return { 0 }
		end
		redis.call('DEL', res_prefix .. cur[2])
		redis.call('ZREM', zset, cur[2])
		redis.call('DEL', slot)
	end

	redis.call('HSET', slot,
		'state', 'held', 'id', id, 'session', session, 'key', canonical,
		'created_ms', now_ms, 'expires_ms', now_ms + ttl_ms, 'ref', '',
		'keep_until_ms', keep_until_ms)
	redis.call('PEXPIRE', slot, ttl_ms + grace_ms)
	redis.call('SET', res, slot, 'PX', ttl_ms + grace_ms)
	redis.call('ZADD', zset, now_ms + ttl_ms, id)
	return { 1 }
`)

// endHoldScript is shared by confirm and release.  ARGV[4] selects the mode.
// A confirmed marker lives until the keep_until_ms recorded at hold time, and
// never less than an hour.  Result: { code, key, session, created_ms,
// expires_ms } where code is 1 ok, 0 not found, -1 expired.
var endHoldScript = redis.NewScript(`
	local res = KEYS[1]
	local zset = KEYS[2]
	local now_ms = tonumber(ARGV[1])
	local id = ARGV[2]
	local session = ARGV[3]
	local mode = ARGV[4]
	local confirmed_ttl_ms = tonumber(ARGV[5])
	local min_confirmed_ms = tonumber(ARGV[6])

	local slot = redis.call('GET', res)
	if not slot then
		return { 0 }
	end
	local cur = redis.call('HMGET', slot, 'state', 'id', 'session', 'key', 'created_ms', 'expires_ms', 'keep_until_ms')
	if cur[1] ~= 'held' or cur[2] ~= id then
		redis.call('DEL', res)
		redis.call('ZREM', zset, id)
		return { 0 }
	end
	if session ~= '' and cur[3] ~= session then
		return { 0 }
	end

	redis.call('DEL', res)
	redis.call('ZREM', zset, id)
	local out = { 1, cur[4], cur[3], cur[5], cur[6] }
	if tonumber(cur[6]) <= now_ms then
		redis.call('DEL', slot)
		out[1] = -1
		return out
	end
	if mode == 'confirm' then
		local ttl = confirmed_ttl_ms
		if cur[7] then
			ttl = math.max(tonumber(cur[7]) - now_ms, min_confirmed_ms)
		end
		redis.call('HSET', slot, 'state', 'confirmed', 'session', '', 'ref', '')
		redis.call('PEXPIRE', slot, ttl)
	else
		redis.call('DEL', slot)
	end
	return out
`)

var attachScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'confirmed' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'ref', ARGV[1])
	return 1
`)

var revertScript = redis.NewScript(`
	local cur = redis.call('HMGET', KEYS[1], 'state', 'id', 'ref')
	if cur[1] ~= 'confirmed' or cur[2] ~= ARGV[1] or (cur[3] and cur[3] ~= '') then
		return 0
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// expireScript removes one hold if it is still the one the zset points at
// and its lease has run out.  Result code 1 removed, 0 gone, -1 still live.
var expireScript = redis.NewScript(`
	local res = KEYS[1]
	local zset = KEYS[2]
	local now_ms = tonumber(ARGV[1])
	local id = ARGV[2]

	local slot = redis.call('GET', res)
	if not slot then
		redis.call('ZREM', zset, id)
		return { 0 }
	end
	local cur = redis.call('HMGET', slot, 'state', 'id', 'session', 'key', 'created_ms', 'expires_ms')
	if cur[1] ~= 'held' or cur[2] ~= id then
		redis.call('DEL', res)
		redis.call('ZREM', zset, id)
		return { 0 }
	end
	if tonumber(cur[6]) > now_ms then
		return { -1 }
	end
	redis.call('DEL', slot)
	redis.call('DEL', res)
	redis.call('ZREM', zset, id)
	return { 1, cur[4], cur[3], cur[5], cur[6] }
`)

const (
	// holdGrace keeps hold keys around a little past their lease so the
	// sweeper, not Redis eviction, reports the expiry.
	holdGrace  = 10 * time.Minute
	sweepBatch = 500
)

// RedisLedger stores slot state in Redis so several processes can share it.
type RedisLedger struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	prefix string
	newID  func() string
}

// NewRedis returns a ledger storing its keys under prefix.
func NewRedis(rdb redis.UniversalClient, clk clock.Clock, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "slots"
	}
	return &RedisLedger{rdb: rdb, clock: clk, prefix: prefix, newID: uuid.NewString}
}

func (l *RedisLedger) slotKey(k model.SlotKey) string { return l.prefix + ":slot:" + k.String() }
func (l *RedisLedger) resPrefix() string               { return l.prefix + ":res:" }
func (l *RedisLedger) resKey(id string) string         { return l.resPrefix() + id }
func (l *RedisLedger) zsetKey() string                 { return l.prefix + ":expiry" }

// minConfirmedTTL is the shortest life of a confirmed marker.
const minConfirmedTTL = time.Hour

// keepUntil is the instant a confirmed marker for k may be dropped:
// confirmedRetention past the end of its date.
func keepUntil(k model.SlotKey, now time.Time) time.Time {
	d, err := model.ParseDate(k.Date)
	if err != nil {
		return now.Add(confirmedRetention)
	}
	return d.Add(24*time.Hour + confirmedRetention)
}

func (l *RedisLedger) TryHold(ctx context.Context, key model.SlotKey, sessionID string, ttl time.Duration) (model.Reservation, error) {
	now := l.clock.Now()
	id := l.newID()
	vals, err := tryHoldScript.Run(ctx, l.rdb,
		[]string{l.slotKey(key), l.resKey(id), l.zsetKey()},
		now.UnixMilli(), ttl.Milliseconds(), id, sessionID, key.String(), l.resPrefix(), holdGrace.Milliseconds(),
		keepUntil(key, now).UnixMilli(),
	).Slice()
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: try hold %s: %w", key, err)
	}
	if len(vals) == 0 || asInt64(vals[0]) != 1 {
		return model.Reservation{}, ErrConflict
	}
	return model.Reservation{
		ID:        id,
		SessionID: sessionID,
		SlotKey:   key,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		ExpiresAt: time.UnixMilli(now.UnixMilli() + ttl.Milliseconds()),
	}, nil
}

func (l *RedisLedger) endHold(ctx context.Context, reservationID, sessionID, mode string) (model.Reservation, error) {
	now := l.clock.Now()
	// ARGV[5] only applies to holds written before keep_until_ms existed.
	vals, err := endHoldScript.Run(ctx, l.rdb,
		[]string{l.resKey(reservationID), l.zsetKey()},
		now.UnixMilli(), reservationID, sessionID, mode,
		(7 * 24 * time.Hour).Milliseconds(), minConfirmedTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: %s %s: %w", mode, reservationID, err)
	}
	code := int64(0)
	if len(vals) > 0 {
		code = asInt64(vals[0])
	}
	if code == 0 {
		return model.Reservation{}, ErrNotFound
	}
	res, err := decodeReservation(reservationID, vals)
	if err != nil {
		return model.Reservation{}, err
	}
	if code < 0 {
		if mode == "confirm" {
			return model.Reservation{}, ErrExpired
		}
		return model.Reservation{}, ErrNotFound
	}
	return res, nil
}

func (l *RedisLedger) Confirm(ctx context.Context, reservationID, sessionID string) (model.Reservation, error) {
	return l.endHold(ctx, reservationID, sessionID, "confirm")
}

func (l *RedisLedger) Release(ctx context.Context, reservationID, sessionID string) (model.Reservation, error) {
	return l.endHold(ctx, reservationID, sessionID, "release")
}

func (l *RedisLedger) AttachAppointment(ctx context.Context, key model.SlotKey, ref model.AppointmentRef) error {
	n, err := attachScript.Run(ctx, l.rdb, []string{l.slotKey(key)}, string(ref)).Int64()
	if err != nil {
		return fmt.Errorf("ledger: attach %s: %w", key, err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (l *RedisLedger) Revert(ctx context.Context, key model.SlotKey, reservationID string) error {
	n, err := revertScript.Run(ctx, l.rdb, []string{l.slotKey(key)}, reservationID).Int64()
	if err != nil {
		return fmt.Errorf("ledger: revert %s: %w", key, err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (l *RedisLedger) Expire(ctx context.Context, reservationID string) (model.Reservation, error) {
	vals, err := expireScript.Run(ctx, l.rdb,
		[]string{l.resKey(reservationID), l.zsetKey()},
		l.clock.Now().UnixMilli(), reservationID,
	).Slice()
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: expire %s: %w", reservationID, err)
	}
	if len(vals) == 0 {
		return model.Reservation{}, ErrNotFound
	}
	switch code := asInt64(vals[0]); {
	case code < 0:
		return model.Reservation{}, ErrActive
	case code == 0:
		return model.Reservation{}, ErrNotFound
	}
	return decodeReservation(reservationID, vals)
}

func (l *RedisLedger) Lookup(ctx context.Context, reservationID string) (model.Reservation, error) {
	slot, err := l.rdb.Get(ctx, l.resKey(reservationID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Reservation{}, ErrNotFound
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: lookup %s: %w", reservationID, err)
	}
	fields, err := l.rdb.HMGet(ctx, slot, "state", "id", "session", "key", "created_ms", "expires_ms").Result()
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: lookup %s: %w", reservationID, err)
	}
	if asString(fields[0]) != string(model.SlotHeld) || asString(fields[1]) != reservationID {
		return model.Reservation{}, ErrNotFound
	}
	res, err := decodeReservation(reservationID, append([]interface{}{int64(1)}, fields[3], fields[2], fields[4], fields[5]))
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Expired(l.clock.Now()) {
		return model.Reservation{}, ErrExpired
	}
	return res, nil
}

var peekFields = []string{"state", "id", "session", "key", "created_ms", "expires_ms", "ref"}

func (l *RedisLedger) Peek(ctx context.Context, key model.SlotKey) (model.SlotState, error) {
	fields, err := l.rdb.HMGet(ctx, l.slotKey(key), peekFields...).Result()
	if err != nil {
		return model.SlotState{}, fmt.Errorf("ledger: peek %s: %w", key, err)
	}
	return l.decodeState(fields)
}

// PeekMany reads several slots in one pipelined round trip.  The result is
// in the order of keys.
func (l *RedisLedger) PeekMany(ctx context.Context, keys []model.SlotKey) ([]model.SlotState, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, l.slotKey(k), peekFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ledger: peek %d slots: %w", len(keys), err)
	}
	out := make([]model.SlotState, len(keys))
	for i, cmd := range cmds {
		st, err := l.decodeState(cmd.Val())
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

func (l *RedisLedger) decodeState(fields []interface{}) (model.SlotState, error) {
	if len(fields) < len(peekFields) {
		return model.SlotState{}, fmt.Errorf("ledger: unexpected slot fields %#v", fields)
	}
	switch model.SlotStatus(asString(fields[0])) {
	case model.SlotConfirmed:
		return model.SlotState{Status: model.SlotConfirmed, AppointmentRef: model.AppointmentRef(asString(fields[6]))}, nil
	case model.SlotHeld:
		res, err := decodeReservation(asString(fields[1]), []interface{}{int64(1), fields[3], fields[2], fields[4], fields[5]})
		if err != nil {
			return model.SlotState{}, err
		}
		if res.Expired(l.clock.Now()) {
			return model.SlotState{Status: model.SlotFree}, nil
		}
		return model.SlotState{Status: model.SlotHeld, Reservation: &res}, nil
	}
	return model.SlotState{Status: model.SlotFree}, nil
}

// SweepExpired walks the expiry index in batches.  Confirmed markers are
// pruned by their Redis TTL rather than here.
func (l *RedisLedger) SweepExpired(ctx context.Context) ([]model.Reservation, error) {
	now := l.clock.Now()
	upper := strconv.FormatInt(now.UnixMilli(), 10)
	var expired []model.Reservation
	for {
		ids, err := l.rdb.ZRangeByScore(ctx, l.zsetKey(), &redis.ZRangeBy{Min: "-inf", Max: upper, Count: sweepBatch}).Result()
		if err != nil {
			return expired, fmt.Errorf("ledger: sweep: %w", err)
		}
		if len(ids) == 0 {
			return expired, nil
		}
		progressed := false
		for _, id := range ids {
			res, err := l.Expire(ctx, id)
			if errors.Is(err, ErrNotFound) {
				progressed = true
				continue
			}
			if errors.Is(err, ErrActive) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired = append(expired, res)
			progressed = true
		}
		if len(ids) < sweepBatch || !progressed {
			return expired, nil
		}
	}
}

// decodeReservation builds a Reservation from { code, key, session,
// created_ms, expires_ms }.
func decodeReservation(id string, vals []interface{}) (model.Reservation, error) {
	if len(vals) < 5 {
		return model.Reservation{}, fmt.Errorf("ledger: unexpected script result %#v", vals)
	}
	key, err := model.ParseSlotKey(asString(vals[1]))
	if err != nil {
		return model.Reservation{}, fmt.Errorf("ledger: %w", err)
	}
	return model.Reservation{
		ID:        id,
		SessionID: asString(vals[2]),
		SlotKey:   key,
		CreatedAt: time.UnixMilli(asInt64(vals[3])),
		ExpiresAt: time.UnixMilli(asInt64(vals[4])),
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
