// Package quota implements the completion-capacity ledger backed by Redis.
//
// Reserve is the only shared mutable hot path in the whole pipeline: many
// respondents race for the last slots of a project or a project/vendor
// pairing, and exactly one oversubscribing reservation must lose. The
// check-and-increment therefore runs as a single Lua script so it is
// linearizable on the Redis side.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	projectKeyPrefix = "quota:proj:" // committed+pending count per project
	vendorKeyPrefix  = "quota:vend:" // committed+pending count per (project, vendor)
	pendingZSetKey   = "quota:pending"      // uid -> reservation unix seconds
	pendingHashKey   = "quota:pending:data" // uid -> "projKey|vendKey"
)

var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrNoReservation = errors.New("no pending reservation")
)

// Reservation is the handle returned by Reserve. The capacity it represents
// is already counted; Commit only clears the pending marker and Release
// gives the capacity back.
type Reservation struct {
	LinkUID   string
	ProjectID string
	VendorID  string
	At        time.Time
}

type ReserveRequest struct {
	LinkUID       string
	ProjectID     string
	VendorID      string // optional
	ProjectTarget int
	VendorCeiling int // ignored when VendorID is empty
}

// reserveScript checks both ceilings and increments both counters in one
// atomic step, recording the pending entry so an abandoned reservation can
// be reclaimed later.
var reserveScript = redis.NewScript(`
local hash = KEYS[3]
local uid = ARGV[3]
if redis.call('HEXISTS', hash, uid) == 1 then
  return 'dup'
end
local pc = tonumber(redis.call('GET', KEYS[1]) or '0')
if pc >= tonumber(ARGV[1]) then
  return 'full'
end
local vendKey = ''
if #KEYS >= 4 then
  vendKey = KEYS[4]
  local vc = tonumber(redis.call('GET', vendKey) or '0')
  if vc >= tonumber(ARGV[2]) then
    return 'full'
  end
  redis.call('INCR', vendKey)
end
redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], ARGV[4], uid)
redis.call('HSET', hash, uid, KEYS[1] .. '|' .. vendKey)
return 'ok'
`)

// releaseScript decrements exactly the counters the reservation incremented
// and drops the pending marker. A second release finds no marker and is a
// no-op, which keeps release safe to retry.
var releaseScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[2], ARGV[1])
if not v then
  return 0
end
for key in string.gmatch(v, '([^|]+)') do
  local n = redis.call('DECR', key)
  if n < 0 then
    redis.call('SET', key, '0')
  end
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

type Ledger struct {
	client *redis.Client
	now    func() time.Time
}

func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{
		client: client,
		now:    time.Now,
	}
}

func projectKey(projectID string) string {
	return projectKeyPrefix + projectID
}

func vendorKey(projectID, vendorID string) string {
	return vendorKeyPrefix + projectID + ":" + vendorID
}

// Reserve takes one slot if capacity remains, returning ErrQuotaExceeded
// when either the project target or the vendor ceiling is reached. Calling
// Reserve again for a link that already holds a pending reservation returns
// the existing reservation instead of double-counting.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.LinkUID == "" || req.ProjectID == "" {
		return nil, fmt.Errorf("reserve: link uid and project id are required")
	}

	keys := []string{projectKey(req.ProjectID), pendingZSetKey, pendingHashKey}
	if req.VendorID != "" {
		keys = append(keys, vendorKey(req.ProjectID, req.VendorID))
	}
	now := l.now()
	args := []interface{}{req.ProjectTarget, req.VendorCeiling, req.LinkUID, now.Unix()}

	res, err := reserveScript.Run(ctx, l.client, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("reserve script: %w", err)
	}

	switch res {
	case "ok", "dup":
		return &Reservation{
			LinkUID:   req.LinkUID,
			ProjectID: req.ProjectID,
			VendorID:  req.VendorID,
			At:        now,
		}, nil
	case "full":
		return nil, ErrQuotaExceeded
	default:
		return nil, fmt.Errorf("reserve script: unexpected result %q", res)
	}
}

// Commit finalizes a reservation. The counters already include the slot, so
// committing only removes the pending marker; a committed slot is permanent
// and invisible to the reaper.
func (l *Ledger) Commit(ctx context.Context, linkUID string) error {
	return withRetry(ctx, func() error {
		pipe := l.client.Pipeline()
		pipe.ZRem(ctx, pendingZSetKey, linkUID)
		pipe.HDel(ctx, pendingHashKey, linkUID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("commit reservation: %w", err)
		}
		return nil
	})
}

// Release returns a reservation's capacity to the pool. A lost release
// permanently strands capacity, so transient failures are retried before
// being surfaced.
func (l *Ledger) Release(ctx context.Context, linkUID string) error {
	return withRetry(ctx, func() error {
		err := releaseScript.Run(ctx, l.client, []string{pendingZSetKey, pendingHashKey}, linkUID).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("release script: %w", err)
		}
		return nil
	})
}

// StalePending returns link uids whose reservation has been pending longer
// than olderThan, oldest first.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := l.now().Add(-olderThan).Unix()
	uids, err := l.client.ZRangeByScore(ctx, pendingZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stale pending scan: %w", err)
	}
	return uids, nil
}

// Counts reports the current committed+pending counters, for admin display.
func (l *Ledger) Counts(ctx context.Context, projectID, vendorID string) (int, int, error) {
	proj, err := l.getCount(ctx, projectKey(projectID))
	if err != nil {
		return 0, 0, err
	}
	if vendorID == "" {
		return proj, 0, nil
	}
	vend, err := l.getCount(ctx, vendorKey(projectID, vendorID))
	if err != nil {
		return 0, 0, err
	}
	return proj, vend, nil
}

func (l *Ledger) getCount(ctx context.Context, key string) (int, error) {
	v, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get count %s: %w", key, err)
	}
	return v, nil
}
