package archive

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	xerrors "AutoTrader-Chain/internal/errors"
)

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 把归档写入 S3 存储桶的指定前缀下。
type S3 struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3 使用默认凭证链创建 S3 归档。
func NewS3(ctx context.Context, bucket, prefix, region string) (*S3, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "S3 bucket 不能为空")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载 AWS 配置失败")
	}
	return newS3(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3(client objectAPI, bucket, prefix string) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) key(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

// Put 上传对象。
func (s *S3) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := s.key(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 s3://%s/%s 失败", s.bucket, objectKey))
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

// Get 下载对象。
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey := s.key(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stdErrors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 s3://%s/%s 失败", s.bucket, objectKey))
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 S3 对象内容失败")
	}
	return body, nil
}

var _ Archiver = (*S3)(nil)
