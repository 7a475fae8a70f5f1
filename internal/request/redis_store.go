package request

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "FeatureScope/internal/errors"
	rediskeys "FeatureScope/internal/storage/redis"
)

var _ Store = (*RedisStore)(nil)

const redisTxRetries = 8

// RedisStore 将请求与任务以 JSON 形式保存在 Redis 中，状态迁移通过 WATCH/MULTI
// 乐观事务完成，所有键带有保留期 TTL，提交时间索引保存在有序集合中。
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore 创建 Redis 存储。
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "featurescope"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) requestKey(id string) string {
	return rediskeys.Key(s.prefix, "request", id)
}

func (s *RedisStore) tasksKey(id string) string {
	return rediskeys.Key(s.prefix, "request", id, "tasks")
}

func (s *RedisStore) taskKey(id string) string {
	return rediskeys.Key(s.prefix, "task", id)
}

func (s *RedisStore) indexKey() string {
	return rediskeys.Key(s.prefix, "requests")
}

// CreateRequest 实现 Store 接口。
func (s *RedisStore) CreateRequest(ctx context.Context, req *Request, root *AgentTask) error {
	if err := validateCreate(req, root); err != nil {
		return err
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码请求失败")
	}
	taskJSON, err := json.Marshal(root)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
	}
	reqKey := s.requestKey(req.ID)
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, reqKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrRequestExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, reqKey, reqJSON, s.retention)
			pipe.Set(ctx, s.taskKey(root.ID), taskJSON, s.retention)
			pipe.RPush(ctx, s.tasksKey(req.ID), root.ID)
			pipe.Expire(ctx, s.tasksKey(req.ID), s.retention)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(req.SubmittedAt.UnixMilli()), Member: req.ID})
			return nil
		})
		return err
	}, reqKey)
}

// GetRequest 实现 Store 接口。
func (s *RedisStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	raw, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求失败")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求失败")
	}
	return &req, nil
}

// CreateTask 实现 Store 接口。
func (s *RedisStore) CreateTask(ctx context.Context, task *AgentTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务失败")
	}
	reqKey := s.requestKey(task.RequestID)
	taskKey := s.taskKey(task.ID)
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, reqKey, taskKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrRequestNotFound
		}
		if n > 1 {
			return xerrors.New(xerrors.CodeConflict, "task id already exists")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, taskKey, encoded, s.retention)
			pipe.RPush(ctx, s.tasksKey(task.RequestID), task.ID)
			return nil
		})
		return err
	}, reqKey, taskKey)
}

// GetTask 实现 Store 接口。
func (s *RedisStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	raw, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	var task AgentTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
	}
	return &task, nil
}

// ListTasks 实现 Store 接口。
func (s *RedisStore) ListTasks(ctx context.Context, requestID string) ([]*AgentTask, error) {
	ids, err := s.client.LRange(ctx, s.tasksKey(requestID), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	if len(ids) == 0 {
		return nil, ErrRequestNotFound
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取任务失败")
	}
	tasks := make([]*AgentTask, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var task AgentTask
		if err := json.Unmarshal([]byte(str), &task); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// TransitionTask 实现 Store 接口。
func (s *RedisStore) TransitionTask(ctx context.Context, id string, to TaskStatus, update TaskUpdate) (*AgentTask, error) {
	key := s.taskKey(id)
	var out *AgentTask
	err := s.withWatch(ctx, func(tx *redis.Tx) error {
		task, err := loadJSON[AgentTask](ctx, tx, key, ErrTaskNotFound)
		if err != nil {
			return err
		}
		out = task
		if !CanTransition(task.Status, to) {
			return ErrInvalidTransition
		}
		applyTransition(task, to, update)
		return s.storeJSON(ctx, tx, key, task)
	}, key)
	if err != nil && out == nil {
		return nil, err
	}
	return out, err
}

// RecordRetry 实现 Store 接口。
func (s *RedisStore) RecordRetry(ctx context.Context, id string) (int, error) {
	key := s.taskKey(id)
	count := 0
	err := s.withWatch(ctx, func(tx *redis.Tx) error {
		task, err := loadJSON[AgentTask](ctx, tx, key, ErrTaskNotFound)
		if err != nil {
			return err
		}
		count = task.RetryCount
		if task.Status.Terminal() {
			return ErrInvalidTransition
		}
		task.RetryCount++
		count = task.RetryCount
		return s.storeJSON(ctx, tx, key, task)
	}, key)
	return count, err
}

// Finalize 实现 Store 接口。
func (s *RedisStore) Finalize(ctx context.Context, id string, result *ConsolidatedResult) error {
	if result == nil || !result.OverallStatus.Final() {
		return xerrors.New(xerrors.CodeInvalidArgument, "final result requires a terminal overall status")
	}
	return s.updateRequest(ctx, id, func(req *Request) {
		completed := result.CompletedAt
		req.Status = result.OverallStatus
		req.CompletedAt = &completed
		req.UpdatedAt = completed
		req.Result = result.Clone()
	})
}

// MarkCancelled 实现 Store 接口。
func (s *RedisStore) MarkCancelled(ctx context.Context, id string) error {
	return s.updateRequest(ctx, id, func(req *Request) {
		req.Cancelled = true
		req.UpdatedAt = time.Now().UTC()
	})
}

func (s *RedisStore) updateRequest(ctx context.Context, id string, mutate func(*Request)) error {
	key := s.requestKey(id)
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		req, err := loadJSON[Request](ctx, tx, key, ErrRequestNotFound)
		if err != nil {
			return err
		}
		if req.Status != StatusProcessing {
			return ErrAlreadyFinal
		}
		mutate(req)
		return s.storeJSON(ctx, tx, key, req)
	}, key)
}

// List 实现 Store 接口。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Request, int, error) {
	opts.Normalize()
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := make([]*Request, 0, len(all))
	for _, req := range all {
		if opts.Matches(req) {
			matched = append(matched, req)
		}
	}
	page, total := paginate(matched, opts)
	return page, total, nil
}

// Stats 实现 Store 接口。
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, req := range all {
		stats.add(req)
	}
	return stats, nil
}

// loadAll 读取索引中的全部请求，并顺带清理已过期的索引项。
func (s *RedisStore) loadAll(ctx context.Context) ([]*Request, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取请求索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.requestKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取请求失败")
	}
	out := make([]*Request, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(str), &req); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求失败")
		}
		out = append(out, &req)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}

// Evict 实现 Store 接口。
func (s *RedisStore) Evict(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取过期请求失败")
	}
	removed := 0
	for _, id := range ids {
		taskIDs, err := s.client.LRange(ctx, s.tasksKey(id), 0, -1).Result()
		if err != nil {
			return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务列表失败")
		}
		keys := []string{s.requestKey(id), s.tasksKey(id)}
		for _, tid := range taskIDs {
			keys = append(keys, s.taskKey(tid))
		}
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, s.indexKey(), id)
			return nil
		}); err != nil {
			return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除过期请求失败")
		}
		removed++
	}
	return removed, nil
}

// Close 关闭客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// withWatch 以乐观事务执行 fn，遇到并发修改时重试。业务错误原样返回。
func (s *RedisStore) withWatch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 事务失败")
	}
	return xerrors.New(xerrors.CodeConflict, "too much contention on redis keys")
}

func (s *RedisStore) storeJSON(ctx context.Context, tx *redis.Tx, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码失败")
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetArgs(ctx, key, encoded, redis.SetArgs{KeepTTL: true})
		return nil
	})
	return err
}

func loadJSON[T any](ctx context.Context, tx *redis.Tx, key string, notFound error) (*T, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, notFound
		}
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析失败")
	}
	return &out, nil
}
