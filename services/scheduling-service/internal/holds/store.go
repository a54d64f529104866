// Package holds keeps claimant reservation holds in Redis and drives their expiry.
package holds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
	"github.com/redis/go-redis/v9"
)

// record is the JSON stored under a hold key. The Lua scripts read id, subject_ref,
// start_ms and end_ms.
type record struct {
	ID              string `json:"id"`
	ResourceRef     string `json:"resource_ref"`
	SubjectRef      string `json:"subject_ref"`
	StartMs         int64  `json:"start_ms"`
	EndMs           int64  `json:"end_ms"`
	DurationMinutes int    `json:"duration_minutes"`
	ExpiresAtMs     int64  `json:"expires_at_ms"`
	CreatedAtMs     int64  `json:"created_at_ms"`
}

func (r record) hold() (model.Hold, error) {
	w, err := window.New(time.UnixMilli(r.StartMs), r.DurationMinutes)
	if err != nil {
		return model.Hold{}, err
	}
	return model.Hold{
		ID:          r.ID,
		ResourceRef: r.ResourceRef,
		Window:      w,
		SubjectRef:  r.SubjectRef,
		ExpiresAt:   time.UnixMilli(r.ExpiresAtMs).UTC(),
		CreatedAt:   time.UnixMilli(r.CreatedAtMs).UTC(),
	}, nil
}

// Acquire result codes: 1 created, 0 existing hold of the same subject, -1 the window
// (or an overlapping one) is held by someone else.
var acquireScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  local h = cjson.decode(existing)
  if h.subject_ref == ARGV[3] then
    return {0, existing}
  end
  return {-1, existing}
end
local members = redis.call("SMEMBERS", KEYS[2])
for _, k in ipairs(members) do
  local v = redis.call("GET", k)
  if not v then
    redis.call("SREM", KEYS[2], k)
  else
    local h = cjson.decode(v)
    if h.subject_ref ~= ARGV[3] and tonumber(h.start_ms) < tonumber(ARGV[5]) and tonumber(ARGV[4]) < tonumber(h.end_ms) then
      return {-1, v}
    end
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], KEYS[1])
if redis.call("PTTL", KEYS[2]) < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return {1, ARGV[1]}
`)

// Release result codes: 1 deleted, 0 nothing to delete, -1 held by another subject.
// Deleted hold ids are recorded in KEYS[3], scored by release time.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  redis.call("SREM", KEYS[2], KEYS[1])
  return 0
end
local h = cjson.decode(v)
if h.subject_ref ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], KEYS[1])
redis.call("ZADD", KEYS[3], ARGV[2], h.id)
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", ARGV[3])
redis.call("PEXPIRE", KEYS[3], ARGV[4])
return 1
`)

// Expire result codes: 1 deleted, 0 already gone, -1 released explicitly. A key that
// now carries a different hold id is never touched.
var expireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and cjson.decode(v).id == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], KEYS[1])
  return 1
end
if not v then
  redis.call("SREM", KEYS[2], KEYS[1])
end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) then
  return -1
end
return 0
`)

// releasedRetention bounds how long explicit releases are remembered. It must outlive
// any hold TTL.
const releasedRetention = 24 * time.Hour

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "hold"
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

// Keys share the resource as a hash tag so the scripts stay on one cluster slot.
func (s *Store) holdKey(resourceRef string, w window.TimeWindow) string {
	return fmt.Sprintf("%s:{%s}:%d:%d", s.prefix, resourceRef, w.Start().UnixMilli(), w.DurationMinutes())
}

func (s *Store) indexKey(resourceRef string) string {
	return fmt.Sprintf("%s:{%s}:index", s.prefix, resourceRef)
}

func (s *Store) releasedKey(resourceRef string) string {
	return fmt.Sprintf("%s:{%s}:released", s.prefix, resourceRef)
}

// Acquire places a hold of length ttl. An existing hold of the same subject on the
// same window is returned unchanged with created=false; it is never extended.
func (s *Store) Acquire(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string, ttl time.Duration) (model.Hold, bool, error) {
	if ttl < time.Millisecond {
		return model.Hold{}, false, apperrors.Validation("ttl", "must be positive")
	}
	now := s.now().UTC()
	rec := record{
		ID:              uuid.NewString(),
		ResourceRef:     resourceRef,
		SubjectRef:      subjectRef,
		StartMs:         w.Start().UnixMilli(),
		EndMs:           w.End().UnixMilli(),
		DurationMinutes: w.DurationMinutes(),
		ExpiresAtMs:     now.Add(ttl).UnixMilli(),
		CreatedAtMs:     now.UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return model.Hold{}, false, err
	}

	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.holdKey(resourceRef, w), s.indexKey(resourceRef)},
		string(payload), ttl.Milliseconds(), subjectRef, rec.StartMs, rec.EndMs,
	).Slice()
	if err != nil {
		return model.Hold{}, false, apperrors.Transient("acquire hold", err)
	}
	code, raw, err := scriptReply(res)
	if err != nil {
		return model.Hold{}, false, apperrors.Transient("acquire hold", err)
	}

	var got record
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		return model.Hold{}, false, apperrors.Transient("decode hold", err)
	}
	h, err := got.hold()
	if err != nil {
		return model.Hold{}, false, apperrors.Transient("decode hold", err)
	}
	switch code {
	case 1:
		return h, true, nil
	case 0:
		return h, false, nil
	default:
		return model.Hold{}, false, &apperrors.SlotConflictError{
			ResourceRef: resourceRef,
			Conflicts:   []apperrors.ConflictRef{{Start: h.Window.Start(), End: h.Window.End()}},
		}
	}
}

// Release deletes the hold if subjectRef owns it. Releasing a missing hold is a no-op;
// a hold owned by someone else is reported as not found.
func (s *Store) Release(ctx context.Context, resourceRef string, w window.TimeWindow, subjectRef string) (bool, error) {
	now := s.now()
	n, err := releaseScript.Run(ctx, s.rdb,
		[]string{s.holdKey(resourceRef, w), s.indexKey(resourceRef), s.releasedKey(resourceRef)},
		subjectRef, now.UnixMilli(), now.Add(-releasedRetention).UnixMilli(), releasedRetention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, apperrors.Transient("release hold", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, apperrors.NotFound("hold", resourceRef+"@"+w.Start().UTC().Format(time.RFC3339))
	}
}

// Expire removes h once its deadline has passed and reports whether h lapsed. It
// returns false when h was released explicitly, possibly by another instance. A newer
// hold on the same window, even one of the same subject, is left in place.
func (s *Store) Expire(ctx context.Context, h model.Hold) (bool, error) {
	n, err := expireScript.Run(ctx, s.rdb,
		[]string{s.holdKey(h.ResourceRef, h.Window), s.indexKey(h.ResourceRef), s.releasedKey(h.ResourceRef)},
		h.ID,
	).Int64()
	if err != nil {
		return false, apperrors.Transient("expire hold", err)
	}
	return n >= 0, nil
}

// Get returns the live hold on exactly w, if any.
func (s *Store) Get(ctx context.Context, resourceRef string, w window.TimeWindow) (model.Hold, bool, error) {
	raw, err := s.rdb.Get(ctx, s.holdKey(resourceRef, w)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Hold{}, false, nil
	}
	if err != nil {
		return model.Hold{}, false, apperrors.Transient("get hold", err)
	}
	h, err := decode(raw)
	if err != nil {
		return model.Hold{}, false, apperrors.Transient("decode hold", err)
	}
	return h, true, nil
}

// ListActive returns the live holds of resourceRef. Index entries whose hold has
// expired are skipped.
func (s *Store) ListActive(ctx context.Context, resourceRef string) ([]model.Hold, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey(resourceRef)).Result()
	if err != nil {
		return nil, apperrors.Transient("list holds", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.Transient("list holds", err)
	}
	out := make([]model.Hold, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		h, err := decode(raw)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func decode(raw string) (model.Hold, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.Hold{}, err
	}
	return rec.hold()
}

func scriptReply(res []any) (int64, string, error) {
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script code %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script payload %T", res[1])
	}
	return code, raw, nil
}
