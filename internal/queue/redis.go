package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis backend.
//
// Layout under the configured prefix:
//
//	{p}:seq         counter providing the insertion-order tiebreak
//	{p}:scheduled   ZSET of due/delayed jobs, scored by scheduled-for millis
//	{p}:leased      ZSET of claimed jobs, scored by lease deadline millis
//	{p}:job:{id}    HASH with body, token, attempt, max_attempts, last_error
//	{p}:errors:{id} LIST of failure messages, oldest first
//	{p}:dead        LIST of dead-lettered job ids
//
// Members of both ZSETs are "{seq:%016x}:{id}" so that equal scores order by
// insertion. All multi-key transitions run as Lua scripts, which makes the
// lease the single point of mutual exclusion for delivery.
type RedisQueue struct {
	rdb         *redis.Client
	prefix      string
	maxAttempts int

	// now is injectable for tests; scripts take the timestamp as an
	// argument so queue time never depends on server time.
	now func() time.Time
}

// NewRedisQueue creates a queue rooted at prefix. defaultMaxAttempts applies
// to jobs enqueued without an explicit budget.
func NewRedisQueue(rdb *redis.Client, prefix string, defaultMaxAttempts int) *RedisQueue {
	return &RedisQueue{
		rdb:         rdb,
		prefix:      prefix,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

func (q *RedisQueue) seqKey() string           { return q.prefix + ":seq" }
func (q *RedisQueue) scheduledKey() string     { return q.prefix + ":scheduled" }
func (q *RedisQueue) leasedKey() string        { return q.prefix + ":leased" }
func (q *RedisQueue) deadKey() string          { return q.prefix + ":dead" }
func (q *RedisQueue) jobKey(id string) string  { return q.prefix + ":job:" + id }
func (q *RedisQueue) errsKey(id string) string { return q.prefix + ":errors:" + id }

// dequeueScript first reaps expired leases back into the scheduled set (an
// expired lease counts as a failed execution), then claims the earliest due
// member and stamps it with a fresh token.
var dequeueScript = redis.NewScript(`
local scheduled = KEYS[1]
local leased = KEYS[2]
local dead = KEYS[3]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local lease_ms = tonumber(ARGV[3])
local token = ARGV[4]

local function jobkey(id) return prefix .. ":job:" .. id end
local function errkey(id) return prefix .. ":errors:" .. id end
local function idof(member)
  local pos = string.find(member, ":", 1, true)
  return string.sub(member, pos + 1)
end

local expired = redis.call("ZRANGEBYSCORE", leased, "-inf", now)
for _, member in ipairs(expired) do
  local id = idof(member)
  redis.call("ZREM", leased, member)
  local attempt = redis.call("HINCRBY", jobkey(id), "attempt", 1)
  redis.call("HSET", jobkey(id), "last_error", "lease expired", "token", "")
  redis.call("RPUSH", errkey(id), "lease expired")
  local max = tonumber(redis.call("HGET", jobkey(id), "max_attempts"))
  if attempt >= max then
    redis.call("RPUSH", dead, id)
  else
    redis.call("ZADD", scheduled, now, member)
  end
end

local due = redis.call("ZRANGEBYSCORE", scheduled, "-inf", now, "LIMIT", 0, 1)
if #due == 0 then
  return false
end
local member = due[1]
local id = idof(member)
redis.call("ZREM", scheduled, member)
redis.call("ZADD", leased, now + lease_ms, member)
redis.call("HSET", jobkey(id), "token", token)
local body = redis.call("HGET", jobkey(id), "body")
local attempt = redis.call("HGET", jobkey(id), "attempt") or "0"
local last_error = redis.call("HGET", jobkey(id), "last_error") or ""
return {member, body, attempt, last_error}
`)

// ackScript removes the job iff the lease token is still current. A stale
// token means the lease expired and the job was already requeued or
// dead-lettered; acking it then must not resurrect or delete anything.
var ackScript = redis.NewScript(`
local leased = KEYS[1]
local jobkey = KEYS[2]
local errkey = KEYS[3]
local member = ARGV[1]
local token = ARGV[2]

if redis.call("HGET", jobkey, "token") ~= token then
  return 0
end
redis.call("ZREM", leased, member)
redis.call("DEL", jobkey, errkey)
return 1
`)

// nackScript records the failure, then either requeues with the given delay
// or dead-letters the job once the attempt budget is spent.
// Returns -1 stale token, 0 requeued, 1 dead-lettered.
var nackScript = redis.NewScript(`
local scheduled = KEYS[1]
local leased = KEYS[2]
local dead = KEYS[3]
local jobkey = KEYS[4]
local errkey = KEYS[5]
local member = ARGV[1]
local token = ARGV[2]
local now = tonumber(ARGV[3])
local delay = tonumber(ARGV[4])
local cause = ARGV[5]
local id = ARGV[6]

if redis.call("HGET", jobkey, "token") ~= token then
  return -1
end
redis.call("ZREM", leased, member)
redis.call("HSET", jobkey, "token", "", "last_error", cause)
redis.call("RPUSH", errkey, cause)
local attempt = redis.call("HINCRBY", jobkey, "attempt", 1)
local max = tonumber(redis.call("HGET", jobkey, "max_attempts"))
if attempt >= max then
  redis.call("RPUSH", dead, id)
  return 1
end
redis.call("ZADD", scheduled, now + delay, member)
return 0
`)

// Enqueue registers the job and makes it visible at its ScheduledFor time.
// Zero-valued fields are filled in: id, timestamps, and the attempt budget.
func (q *RedisQueue) Enqueue(ctx context.Context, job JobDescriptor) (string, error) {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	job.Attempt = 0

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshalling job: %w", err)
	}

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocating sequence: %w", err)
	}
	member := fmt.Sprintf("%016x:%s", seq, job.ID)

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID),
			"body", string(body),
			"token", "",
			"attempt", 0,
			"max_attempts", job.MaxAttempts,
			"last_error", "",
		)
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: member,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}

	slog.DebugContext(ctx, "job enqueued",
		"job_id", job.ID, "type", job.Type, "scheduled_for", job.ScheduledFor)
	return job.ID, nil
}

// Dequeue claims the earliest due job. Due jobs are returned in ascending
// (scheduled-for, insertion order). Returns ErrEmpty when nothing is due.
func (q *RedisQueue) Dequeue(ctx context.Context, leaseDuration time.Duration) (JobDescriptor, Lease, error) {
	now := q.now()
	token := uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.scheduledKey(), q.leasedKey(), q.deadKey()},
		q.prefix, now.UnixMilli(), leaseDuration.Milliseconds(), token,
	).Result()
	if err == redis.Nil {
		return JobDescriptor{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return JobDescriptor{}, Lease{}, fmt.Errorf("dequeue: %w", err)
	}

	fields, ok := res.([]any)
	if !ok || len(fields) != 4 {
		return JobDescriptor{}, Lease{}, fmt.Errorf("dequeue: unexpected script result %T", res)
	}

	member, _ := fields[0].(string)
	body, _ := fields[1].(string)

	var job JobDescriptor
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return JobDescriptor{}, Lease{}, fmt.Errorf("unmarshalling job body: %w", err)
	}
	job.Attempt = scriptInt(fields[2])
	job.LastError, _ = fields[3].(string)

	lease := Lease{
		JobID:     job.ID,
		member:    member,
		Token:     token,
		ExpiresAt: now.Add(leaseDuration),
	}
	return job, lease, nil
}

// Ack permanently removes the job. Acking after the lease expired is a
// deliberate no-op: the job already belongs to someone else.
func (q *RedisQueue) Ack(ctx context.Context, lease Lease) error {
	res, err := ackScript.Run(ctx, q.rdb,
		[]string{q.leasedKey(), q.jobKey(lease.JobID), q.errsKey(lease.JobID)},
		lease.member, lease.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", lease.JobID, err)
	}
	if res == 0 {
		slog.DebugContext(ctx, "ack after lease expiry ignored", "job_id", lease.JobID)
	}
	return nil
}

// Nack records the failed execution and requeues the job after requeueDelay,
// or dead-letters it when the attempt budget is exhausted.
func (q *RedisQueue) Nack(ctx context.Context, lease Lease, requeueDelay time.Duration, cause error) error {
	msg := "execution failed"
	if cause != nil {
		msg = cause.Error()
	}

	res, err := nackScript.Run(ctx, q.rdb,
		[]string{
			q.scheduledKey(), q.leasedKey(), q.deadKey(),
			q.jobKey(lease.JobID), q.errsKey(lease.JobID),
		},
		lease.member, lease.Token,
		q.now().UnixMilli(), requeueDelay.Milliseconds(),
		msg, lease.JobID,
	).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", lease.JobID, err)
	}

	switch res {
	case -1:
		return fmt.Errorf("nack %s: %w", lease.JobID, ErrLeaseNotHeld)
	case 1:
		slog.WarnContext(ctx, "job dead-lettered", "job_id", lease.JobID, "error", msg)
	default:
		slog.DebugContext(ctx, "job requeued",
			"job_id", lease.JobID, "delay", requeueDelay, "error", msg)
	}
	return nil
}

// DeadLetters lists dead-lettered jobs oldest first, with their original
// payload and accumulated failure history. Read-only; dead jobs are held for
// inspection, never auto-retried.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]JobDescriptor, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}

	jobs := make([]JobDescriptor, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading dead job %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}

		var job JobDescriptor
		if err := json.Unmarshal([]byte(fields["body"]), &job); err != nil {
			return nil, fmt.Errorf("unmarshalling dead job %s: %w", id, err)
		}
		if n, err := strconv.Atoi(fields["attempt"]); err == nil {
			job.Attempt = n
		}
		job.LastError = fields["last_error"]

		log, err := q.rdb.LRange(ctx, q.errsKey(id), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("reading failure log %s: %w", id, err)
		}
		job.FailureLog = log

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// scriptInt coerces a Lua script result cell into an int.
func scriptInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
