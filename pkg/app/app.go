// Package app 是进程级的依赖容器：按配置组装存储、HEAD、元数据库和各个组件。
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"standby/pkg/client"
	"standby/pkg/config"
	"standby/pkg/gc"
	"standby/pkg/ignore"
	"standby/pkg/index"
	"standby/pkg/ingester"
	"standby/pkg/meta"
	"standby/pkg/refs"
	"standby/pkg/repo"
	"standby/pkg/resync"
	"standby/pkg/server"
	"standby/pkg/storage"
	"standby/pkg/storage/cache"
	"standby/pkg/storage/disk"
	"standby/pkg/storage/memory"
	"standby/pkg/storage/s3"
	"standby/pkg/treebuilder"
	"standby/pkg/types"

	"go.uber.org/zap"
)

// HeadName 是 SQL refs 表里 HEAD 的名字，也是历史记录的 ref
const HeadName = "HEAD"

// App 持有所有单例服务
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    storage.Store
	Repo     *repo.Repository
	Meta     *meta.Repository // 只有 refs.type 为 sqlite/postgres 时非空
	RepoPath string           // HEAD 文件、索引、spool 所在的本地目录
	SpoolDir string

	closers []func() error
}

// NewApp 按配置组装一台机器，不关心具体的 CLI 命令
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("storage path not set")
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		RepoPath: filepath.Dir(cfg.Storage.Path),
	}

	store, spool, err := initStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.SpoolDir = spool

	if cfg.Cache.RedisURL != "" {
		cached, err := cache.NewCachedStore(store, cache.Config{RedisURL: cfg.Cache.RedisURL, TTL: cfg.Cache.TTL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init cache: %w", err)
		}
		a.Store = cached
		a.closers = append(a.closers, cached.Close)
	}

	head, err := a.initRefs(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo.New(a.Store, head)
	return a, nil
}

// initStore 按 storage.type 创建对象存储，返回存储和 Blob spool 目录
func initStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Store, string, error) {
	switch cfg.Type {
	case "", "disk":
		store, err := disk.NewAdapter(cfg.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to init storage: %w", err)
		}
		return store, store.TempDir(), nil

	case "memory":
		return memory.NewStore(), "", nil

	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, "", errors.New("s3 bucket is required")
		}
		spool := filepath.Join(filepath.Dir(cfg.Path), "tmp")
		if err := os.MkdirAll(spool, 0755); err != nil {
			return nil, "", err
		}
		store, err := s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			SpoolDir:        spool,
		}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to init s3 storage: %w", err)
		}
		return store, spool, nil

	default:
		return nil, "", fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}

func (a *App) initRefs(ctx context.Context) (refs.HeadRef, error) {
	cfg := a.Config
	switch cfg.Refs.Type {
	case "", "file":
		return refs.NewFileHead(a.RepoPath)

	case "sqlite":
		dsn := cfg.Refs.DSN
		if dsn == "" {
			dsn = filepath.Join(a.RepoPath, "meta.db")
		}
		db, err := meta.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return a.sqlHead(db), nil

	case "postgres":
		db, err := meta.NewDB(ctx, meta.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		return a.sqlHead(db), nil

	default:
		return nil, fmt.Errorf("unsupported refs type: %q", cfg.Refs.Type)
	}
}

func (a *App) sqlHead(db *meta.DB) refs.HeadRef {
	a.closers = append(a.closers, db.Close)
	a.Meta = meta.NewRepository(db)
	return refs.NewSQLHead(a.Meta, HeadName)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// 主节点
// -----------------------------------------------------------------------------

func (a *App) NewServer() *server.Server {
	cfg := a.Config.Server
	return server.New(a.Repo,
		server.WithLogger(a.Logger.Named("primary")),
		server.WithChunkSize(cfg.ChunkSize),
		server.WithMaxFrameSize(cfg.MaxFrameSize),
		server.WithTimeout(cfg.Timeout),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithRequestsPerSecond(cfg.RequestsPerSecond),
		server.WithHeadPollInterval(cfg.HeadPollInterval),
	)
}

// ImportResult 描述一次目录导入
type ImportResult struct {
	Head     types.Hash    `json:"head"`
	Previous types.Hash    `json:"previous"`
	Files    int           `json:"files"`
	Duration time.Duration `json:"duration"`
}

// Import 把 dir 导入为一棵新树并推进 HEAD。
// 上一次导入的索引保存在 RepoPath/index.json，没变的文件不会重新读取。
func (a *App) Import(ctx context.Context, dir string) (ImportResult, error) {
	start := time.Now()
	var res ImportResult

	matcher, err := ignore.NewMatcher(dir)
	if err != nil {
		return res, fmt.Errorf("failed to load ignore rules: %w", err)
	}
	idx, err := index.NewIndex(filepath.Join(a.RepoPath, "index.json"))
	if err != nil {
		return res, err
	}

	ing := ingester.NewIngester(a.Store, a.SpoolDir, a.Logger.Named("import"))
	if err := ing.IngestDir(ctx, dir, matcher, idx); err != nil {
		return res, err
	}
	root, err := treebuilder.NewBuilder(a.Store).Build(ctx, idx)
	if err != nil {
		return res, err
	}

	res.Previous, err = a.Repo.Head(ctx)
	if err != nil {
		return res, err
	}
	res.Head = root
	res.Files = idx.Len()
	if root != res.Previous {
		if err := a.Repo.SetHead(ctx, res.Previous, root); err != nil {
			return res, err
		}
	}
	if err := idx.Save(); err != nil {
		return res, fmt.Errorf("failed to save index: %w", err)
	}
	res.Duration = time.Since(start)

	if root != res.Previous {
		a.recordHead(ctx, res.Head, res.Previous, res)
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// 副本
// -----------------------------------------------------------------------------

// NewClient 创建同步客户端，并按配置挂上历史记录和自动回收
func (a *App) NewClient() *client.Client {
	cfg := a.Config.Client
	opts := []client.Opt{
		client.WithLogger(a.Logger.Named("secondary")),
		client.WithConnectTimeout(cfg.ConnectTimeout),
		client.WithReadTimeout(cfg.ReadTimeout),
		client.WithMaxFrameSize(a.Config.Server.MaxFrameSize),
		client.WithSpoolDir(a.SpoolDir),
	}
	if a.Meta != nil {
		opts = append(opts, client.WithCommitHook(func(ctx context.Context, res client.PassResult) error {
			a.recordHead(ctx, res.Head, res.Previous, res)
			return nil
		}))
	}
	if cfg.AutoClean {
		collector := a.Collector(false)
		opts = append(opts, client.WithCommitHook(func(ctx context.Context, res client.PassResult) error {
			_, err := collector.Collect(ctx, res.Head)
			return err
		}))
	}
	return client.New(cfg.Primary, a.Repo, opts...)
}

func (a *App) NewController(c resync.Client) *resync.Controller {
	cfg := a.Config.Client
	return resync.New(c,
		resync.WithAttempts(cfg.RetryAttempts),
		resync.WithBackoff(cfg.RetryInterval, cfg.RetryBackoff, cfg.RetryMaxInterval),
		resync.WithLogger(a.Logger.Named("resync")),
	)
}

func (a *App) Collector(dryRun bool) *gc.Collector {
	return gc.New(a.Store, gc.WithLogger(a.Logger.Named("gc")), gc.WithDryRun(dryRun))
}

// recordHead 在 SQL 元数据库中追加一条历史，失败只记日志
func (a *App) recordHead(ctx context.Context, head, previous types.Hash, stats any) {
	if a.Meta == nil {
		return
	}
	if err := a.Meta.RecordHead(ctx, HeadName, head, previous, stats); err != nil {
		a.Logger.Warn("failed to record head history", zap.Error(err))
	}
}
