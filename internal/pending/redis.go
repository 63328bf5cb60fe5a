package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "FlowSend-Chain/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 以 JSON 形式把请求保存在 Redis 中，键的 TTL 与 ExpiresAt 一致。
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

const maxTxRetries = 5

// NewRedisStore 创建 Redis 存储。
func NewRedisStore(cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flowsend:pending"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, opts: buildOptions(opts)}, nil
}

func (s *RedisStore) key(sessionID, id string) string {
	return s.prefix + ":" + sessionID + ":" + id
}

func (s *RedisStore) ttl(req *Request) time.Duration {
	ttl := req.ExpiresAt.Sub(s.opts.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Put 实现 Store 接口。
func (s *RedisStore) Put(ctx context.Context, req *Request) error {
	if err := validate(req); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化待确认请求失败: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(req.SessionID, req.ID), data, s.ttl(req)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入待确认请求失败")
	}
	if !ok {
		return xerrors.New(xerrors.CodeConflict, "请求已存在")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, sessionID, id string) (*Request, error) {
	req, err := s.load(ctx, s.client, s.key(sessionID, id))
	if err != nil {
		return nil, err
	}
	if req.Expired(s.opts.now()) {
		return nil, xerrors.New(CodeNotFound, "")
	}
	return req, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, key string) (*Request, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.New(CodeNotFound, "")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取待确认请求失败")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待确认请求失败")
	}
	return &req, nil
}

// update 在 WATCH 事务中读取、修改并写回请求。mutate 返回的错误会原样返回，
// 此时不写回；返回的请求为修改前或修改后的副本。
func (s *RedisStore) update(ctx context.Context, key string, mutate func(*Request) error) (*Request, error) {
	var (
		result    *Request
		mutateErr error
	)
	txf := func(tx *redis.Tx) error {
		req, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if mutateErr = mutate(req); mutateErr != nil {
			result = req
			return nil
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("序列化待确认请求失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(req))
			return nil
		})
		if err == nil {
			result = req
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新待确认请求失败")
		}
		return result, mutateErr
	}
	return nil, xerrors.New(xerrors.CodeConflict, "待确认请求并发修改冲突")
}

// Claim 实现 Store 接口。
func (s *RedisStore) Claim(ctx context.Context, sessionID, id string, attempt Attempt) (*Request, error) {
	req, err := s.update(ctx, s.key(sessionID, id), func(req *Request) error {
		return claimTransition(req, attempt, s.opts.now(), s.opts.retention)
	})
	if xerrors.HasCode(err, CodeNotFound) {
		return nil, err
	}
	return req, err
}

// Complete 实现 Store 接口。
func (s *RedisStore) Complete(ctx context.Context, sessionID, id string, receipt Receipt) error {
	_, err := s.update(ctx, s.key(sessionID, id), func(req *Request) error {
		return completeTransition(req, receipt, s.opts.now(), s.opts.retention)
	})
	return err
}

// Sweep 删除 ExpiresAt 已过但键仍存在的记录。正常情况下由键 TTL 完成清理。
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	now := s.opts.now()
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		req, err := s.load(ctx, s.client, key)
		if err != nil {
			continue
		}
		if req.Expired(now) {
			if err := s.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描待确认请求失败")
	}
	return removed, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
