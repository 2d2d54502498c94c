package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	segmentsPrefix = "segments/"
	blobsPrefix    = "blobs/"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	client *s3.Client
	bucket string
	tmpDir string
	logger *zap.Logger
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// SpoolDir 是 Blob 上传前本地校验用的临时目录，默认 os.TempDir()
	SpoolDir string
}

// NewAdapter 初始化 S3 客户端 (适配 AWS SDK v2 最新规范)
func NewAdapter(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 1. 加载基础配置 (仅包含 Region 和 Credentials)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端时注入 Endpoint
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须强制使用 Path Style
		o.UsePathStyle = true
	})

	// 3. 确保 Bucket 存在
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket}); err != nil {
			// 并发创建或权限问题，继续运行，真正的错误会在读写时暴露
			logger.Warn("failed to ensure bucket exists", zap.String("bucket", cfg.Bucket), zap.Error(err))
		}
	}

	tmpDir := cfg.SpoolDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
		tmpDir: tmpDir,
		logger: logger,
	}, nil
}

// transformKey 将 Hash 转换为 S3 Key (Sharding)
// Logic: "aabbcc..." -> "segments/aa/bbcc..."
func transformKey(prefix string, hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return prefix + h
	}
	return prefix + h[:2] + "/" + h[2:]
}

// parseKey 是 transformKey 的逆过程
func parseKey(key string) (types.Hash, core.ObjectType, bool) {
	var kind core.ObjectType
	switch {
	case strings.HasPrefix(key, segmentsPrefix):
		kind, key = core.TypeSegment, strings.TrimPrefix(key, segmentsPrefix)
	case strings.HasPrefix(key, blobsPrefix):
		kind, key = core.TypeBlob, strings.TrimPrefix(key, blobsPrefix)
	default:
		return "", "", false
	}
	id := types.Hash(strings.Replace(key, "/", "", 1))
	return id, kind, id.IsValid()
}

func (s *Adapter) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 兼容性：某些 S3 实现可能返回 generic 404 error string
	return strings.Contains(err.Error(), "404")
}

// Has 检查对象是否存在
func (s *Adapter) Has(ctx context.Context, id types.Hash) (bool, error) {
	for _, prefix := range []string{segmentsPrefix, blobsPrefix} {
		ok, err := s.exists(ctx, transformKey(prefix, id))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *Adapter) get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为我们自己的 ErrNotFound
		if isNotFound(err) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("s3 get failed: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (s *Adapter) ReadSegment(ctx context.Context, id types.Hash) ([]byte, error) {
	body, _, err := s.get(ctx, transformKey(segmentsPrefix, id))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *Adapter) ReadBlob(ctx context.Context, id types.Hash) (io.ReadCloser, int64, error) {
	return s.get(ctx, transformKey(blobsPrefix, id))
}

// WriteSegment 上传 Segment。S3 的 PutObject 本身是原子的。
func (s *Adapter) WriteSegment(ctx context.Context, id types.Hash, data []byte) error {
	if err := storage.VerifyBytes(id, data); err != nil {
		return err
	}
	key := transformKey(segmentsPrefix, id)

	// 幂等性检查：Head 请求比 Put 请求便宜
	if ok, err := s.exists(ctx, key); err != nil {
		return fmt.Errorf("s3 put existence check failed: %w", err)
	} else if ok {
		return nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// WriteBlob 先在本地 spool 并校验 Hash，再上传，保证 Bucket 里不会出现错误内容
func (s *Adapter) WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error {
	key := transformKey(blobsPrefix, id)
	if ok, err := s.exists(ctx, key); err != nil {
		return fmt.Errorf("s3 put existence check failed: %w", err)
	} else if ok {
		return nil
	}

	f, size, err := storage.SpoolVerified(s.tmpDir, "standby-s3-*", id, r)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *Adapter) Delete(ctx context.Context, id types.Hash) error {
	for _, prefix := range []string{segmentsPrefix, blobsPrefix} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(transformKey(prefix, id)),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("s3 delete failed: %w", err)
		}
	}
	return nil
}

// Walk 用 ListObjectsV2 分页遍历两个前缀
func (s *Adapter) Walk(ctx context.Context, fn func(id types.Hash, kind core.ObjectType, size int64) error) error {
	for _, prefix := range []string{segmentsPrefix, blobsPrefix} {
		pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("s3 list failed: %w", err)
			}
			for _, obj := range page.Contents {
				id, kind, ok := parseKey(aws.ToString(obj.Key))
				if !ok {
					continue
				}
				if err := fn(id, kind, aws.ToInt64(obj.Size)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Adapter) ApproximateSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.Walk(ctx, func(_ types.Hash, _ core.ObjectType, size int64) error {
		total += size
		return nil
	})
	return total, err
}
