package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 5 * time.Second

// RedisStore implements Store on a Redis server, for drivers that share
// state with tooling outside the process. Balancer state lives in one hash
// and jobs in another, both under a key prefix.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "hive"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) SaveBalancerState(nodeUUID, algorithm string, state []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.HSet(ctx, s.key("balancers"), balancerKey(nodeUUID, algorithm), state).Err()
}

func (s *RedisStore) GetBalancerState(nodeUUID, algorithm string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	state, err := s.rdb.HGet(ctx, s.key("balancers"), balancerKey(nodeUUID, algorithm)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("balancer state %s/%s: %w", nodeUUID, algorithm, ErrNotFound)
	}
	return state, err
}

func (s *RedisStore) DeleteBalancerState(nodeUUID, algorithm string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.HDel(ctx, s.key("balancers"), balancerKey(nodeUUID, algorithm)).Err()
}

func (s *RedisStore) SaveJob(rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.HSet(ctx, s.key("jobs"), rec.UUID, data).Err()
}

func (s *RedisStore) GetJob(uuid string) (*JobRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	data, err := s.rdb.HGet(ctx, s.key("jobs"), uuid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) ListJobs() ([]*JobRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	all, err := s.rdb.HGetAll(ctx, s.key("jobs")).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*JobRecord, 0, len(all))
	for uuid, data := range all {
		var rec JobRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", uuid, err)
		}
		jobs = append(jobs, &rec)
	}
	sortBySubmission(jobs)
	return jobs, nil
}

func (s *RedisStore) DeleteJob(uuid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.rdb.HDel(ctx, s.key("jobs"), uuid).Err()
}
