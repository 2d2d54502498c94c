package cache

import (
	"context"
	"fmt"
	"io"
	"time"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	// KeyPrefix 区分共用一个 Redis 的多个节点，默认 "standby:obj:"
	KeyPrefix string
}

func NewCachedStore(backend storage.Store, cfg Config, logger *zap.Logger) (*CachedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "standby:obj:"
	}

	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		prefix:  prefix,
		logger:  logger,
	}, nil
}

func (s *CachedStore) cacheKey(hash types.Hash) string {
	return s.prefix + string(hash)
}

// Has 优先查 Redis，Redis 只记录"已提交"，从不记录"不存在"
func (s *CachedStore) Has(ctx context.Context, id types.Hash) (bool, error) {
	key := s.cacheKey(id)

	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级：退化为无缓存模式，直接查底层
		s.logger.Warn("redis exists failed, falling back to backend", zap.Error(err))
	} else if val > 0 {
		return true, nil
	}

	found, err := s.backend.Has(ctx, id)
	if err != nil {
		return false, err
	}

	// 缓存回填，不阻塞主流程
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

func (s *CachedStore) ReadSegment(ctx context.Context, id types.Hash) ([]byte, error) {
	return s.backend.ReadSegment(ctx, id)
}

// ReadBlob 透传，Blob 可能很大，Redis 只存元数据 (Existence)
func (s *CachedStore) ReadBlob(ctx context.Context, id types.Hash) (io.ReadCloser, int64, error) {
	return s.backend.ReadBlob(ctx, id)
}

func (s *CachedStore) WriteSegment(ctx context.Context, id types.Hash, data []byte) error {
	if err := s.backend.WriteSegment(ctx, id, data); err != nil {
		return err
	}
	s.remember(ctx, id)
	return nil
}

func (s *CachedStore) WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error {
	if err := s.backend.WriteBlob(ctx, id, r); err != nil {
		return err
	}
	s.remember(ctx, id)
	return nil
}

// remember 只有底层写成功了才写 Redis
func (s *CachedStore) remember(ctx context.Context, id types.Hash) {
	if err := s.client.Set(ctx, s.cacheKey(id), "1", s.ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", zap.String("id", id.Short()), zap.Error(err))
	}
}

// Delete 先失效缓存再删底层，否则 Has 可能对已删除对象返回 true
func (s *CachedStore) Delete(ctx context.Context, id types.Hash) error {
	if err := s.client.Del(ctx, s.cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return s.backend.Delete(ctx, id)
}

func (s *CachedStore) Walk(ctx context.Context, fn func(id types.Hash, kind core.ObjectType, size int64) error) error {
	return s.backend.Walk(ctx, fn)
}

func (s *CachedStore) ApproximateSize(ctx context.Context) (int64, error) {
	return s.backend.ApproximateSize(ctx)
}

func (s *CachedStore) Close() error {
	return s.client.Close()
}
