package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caphub/caphub/pkg/config"
)

// sweeperConsumer is the consumer name XAUTOCLAIM runs under. It never
// executes runs; it only moves expired entries back into the stream.
const sweeperConsumer = "caphub-sweeper"

// Redis implements the queue on a Redis Streams consumer group. A claim is
// a pending entry; its idle clock is the lease, reset by Extend and checked
// against the lease TTL during reclaim. Entries carry the run id and the
// count of deliveries already consumed, so Attempt survives re-adds.
type Redis struct {
	client   *redis.Client
	stream   string
	group    string
	leaseTTL time.Duration
}

// NewRedis dials cfg.Endpoint and creates the consumer group if it does not
// exist yet.
func NewRedis(cfg *config.QueueConfig) (*Redis, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("queue: redis backend requires an endpoint")
	}
	opts, err := redis.ParseURL(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis endpoint: %w", err)
	}
	client := redis.NewClient(opts)

	q := &Redis{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		leaseTTL: cfg.LeaseTTL.Std(),
	}
	if q.stream == "" {
		q.stream = "caphub:runs"
	}
	if q.group == "" {
		q.group = "caphub-workers"
	}
	if q.leaseTTL <= 0 {
		q.leaseTTL = time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("queue: connect to redis: %w", err)
	}
	err = client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}
	return q, nil
}

func (q *Redis) Enqueue(ctx context.Context, runID string) error {
	return q.add(ctx, runID, 0)
}

func (q *Redis) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	// Block < 0 omits BLOCK so the read returns immediately; the worker
	// poll loop owns the pacing.
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: workerID,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim run: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			runID, _ := msg.Values["run_id"].(string)
			if runID == "" {
				// Malformed entry; drop it so it cannot wedge the group.
				q.client.XAck(ctx, q.stream, q.group, msg.ID)
				q.client.XDel(ctx, q.stream, msg.ID)
				continue
			}
			return &Delivery{
				RunID:    runID,
				Attempt:  messageAttempt(msg) + 1,
				workerID: workerID,
				token:    msg.ID,
			}, nil
		}
	}
	return nil, ErrEmpty
}

// Extend re-claims the entry for its own consumer, resetting the idle
// clock. JUSTID keeps the delivery counter untouched.
func (q *Redis) Extend(ctx context.Context, d *Delivery) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: d.workerID,
		MinIdle:  0,
		Messages: []string{d.token},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: extend lease: %w", err)
	}
	if len(ids) == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	return q.ack(ctx, d.token)
}

func (q *Redis) Release(ctx context.Context, d *Delivery) error {
	// Re-add before ack: a crash between the two duplicates the delivery
	// instead of losing it, and duplicates are dropped at claim time by
	// the run's status transition.
	if err := q.add(ctx, d.RunID, d.Attempt); err != nil {
		return err
	}
	return q.ack(ctx, d.token)
}

// ReclaimExpired moves entries idle past the lease TTL back into the
// stream as fresh messages. A worker that is still alive loses the race
// and sees ErrLeaseLost on its next heartbeat.
func (q *Redis) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed := 0
	start := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: sweeperConsumer,
			MinIdle:  q.leaseTTL,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return reclaimed, fmt.Errorf("queue: autoclaim expired leases: %w", err)
		}
		for _, msg := range msgs {
			runID, _ := msg.Values["run_id"].(string)
			if runID != "" {
				if err := q.add(ctx, runID, messageAttempt(msg)+1); err != nil {
					return reclaimed, err
				}
				reclaimed++
			}
			q.client.XAck(ctx, q.stream, q.group, msg.ID)
			q.client.XDel(ctx, q.stream, msg.ID)
		}
		if len(msgs) == 0 || next == "0-0" {
			break
		}
		start = next
	}
	return reclaimed, nil
}

func (q *Redis) Depth(ctx context.Context) (int, error) {
	length, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: stream length: %w", err)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: pending entries: %w", err)
	}
	depth := int(length - pending.Count)
	if depth < 0 {
		depth = 0
	}
	return depth, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) add(ctx context.Context, runID string, attempt int) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"run_id": runID, "attempt": attempt},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue run: %w", err)
	}
	return nil
}

// ack removes the entry from the group and the stream. A zero ack count
// means another holder removed it first.
func (q *Redis) ack(ctx context.Context, id string) error {
	n, err := q.client.XAck(ctx, q.stream, q.group, id).Result()
	if err != nil {
		return fmt.Errorf("queue: ack run: %w", err)
	}
	q.client.XDel(ctx, q.stream, id)
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// messageAttempt reads the deliveries-so-far counter carried in the entry.
func messageAttempt(msg redis.XMessage) int {
	s, ok := msg.Values["attempt"].(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
