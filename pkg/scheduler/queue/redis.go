package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowcrm/nurture/pkg/models"
)

const (
	dueIndexKey    = "nurture:transitions:due"
	payloadKey     = "nurture:transitions:data"
	instanceKeyFmt = "nurture:transitions:instance:%s"

	// memberSep joins instance and node IDs into one member. Instance IDs
	// are UUIDs, so the separator cannot appear in the left half.
	memberSep = "|"
)

// RedisQueue keeps pending transitions in a sorted set scored by due time,
// with payloads in a companion hash. Members are instance|node pairs, and a
// per-instance set indexes them so Cancel can drop all of an instance's
// entries at once.
type RedisQueue struct {
	client redis.UniversalClient
}

func NewRedisQueue(url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

func member(instanceID, nodeID string) string {
	return instanceID + memberSep + nodeID
}

func instanceOf(member string) string {
	if idx := strings.Index(member, memberSep); idx >= 0 {
		return member[:idx]
	}

	return member
}

func instanceKey(instanceID string) string {
	return fmt.Sprintf(instanceKeyFmt, instanceID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, transition *models.PendingTransition) error {
	data, err := json.Marshal(transition)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	m := member(transition.InstanceID, transition.NodeID)

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, dueIndexKey, redis.Z{
		Score:  float64(transition.DueAt.UnixMilli()),
		Member: m,
	})
	pipe.HSet(ctx, payloadKey, m, data)
	pipe.SAdd(ctx, instanceKey(transition.InstanceID), m)

	_, err = pipe.Exec(ctx)

	return err
}

func (q *RedisQueue) Cancel(ctx context.Context, instanceID string) error {
	members, err := q.client.SMembers(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()

	for _, m := range members {
		pipe.ZRem(ctx, dueIndexKey, m)
		pipe.HDel(ctx, payloadKey, m)
	}

	pipe.Del(ctx, instanceKey(instanceID))

	_, err = pipe.Exec(ctx)

	return err
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time) ([]*models.PendingTransition, []string, error) {
	members, err := q.client.ZRangeByScore(ctx, dueIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read due transitions: %w", err)
	}

	var (
		due       []*models.PendingTransition
		corrupted []string
	)

	for _, m := range members {
		entry, err := q.load(ctx, m)
		if err != nil {
			// A missing payload means another consumer already removed
			// the entry; anything else is corruption.
			if !errors.Is(err, redis.Nil) {
				corrupted = append(corrupted, instanceOf(m))
			}

			if dropErr := q.drop(ctx, m); dropErr != nil {
				return nil, nil, dropErr
			}

			continue
		}

		due = append(due, entry)
	}

	return due, corrupted, nil
}

func (q *RedisQueue) NextDue(ctx context.Context) (*models.PendingTransition, error) {
	members, err := q.client.ZRangeWithScores(ctx, dueIndexKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	if len(members) == 0 {
		return nil, nil
	}

	m, _ := members[0].Member.(string)

	entry, err := q.load(ctx, m)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (q *RedisQueue) Remove(ctx context.Context, instanceID, nodeID, transitionID string) error {
	m := member(instanceID, nodeID)

	entry, err := q.load(ctx, m)
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		return q.drop(ctx, m)
	}

	if entry.ID != transitionID {
		return nil
	}

	return q.drop(ctx, m)
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// drop removes one member from the due index, the payload hash, and the
// owning instance's index set.
func (q *RedisQueue) drop(ctx context.Context, m string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, dueIndexKey, m)
	pipe.HDel(ctx, payloadKey, m)
	pipe.SRem(ctx, instanceKey(instanceOf(m)), m)

	_, err := pipe.Exec(ctx)

	return err
}

func (q *RedisQueue) load(ctx context.Context, m string) (*models.PendingTransition, error) {
	data, err := q.client.HGet(ctx, payloadKey, m).Result()
	if err != nil {
		return nil, err
	}

	var entry models.PendingTransition
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transition for %s: %w", m, err)
	}

	return &entry, nil
}
