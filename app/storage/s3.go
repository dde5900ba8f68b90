package storage

import (
	"auto-upload/app/config"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Storage 基于 S3 兼容服务的存储，引用为对象 key
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	maxBytes int64
}

// NewS3Storage 根据配置创建 S3 存储
func NewS3Storage(ctx context.Context, cfg config.S3Config, maxBytes int64) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if strings.TrimSpace(cfg.Endpoint) != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3 兼容服务不一定支持默认的 CRC 校验头
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = true
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	return &S3Storage{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		maxBytes: maxBytes,
	}, nil
}

// Save 上传到存储桶 videos/ 前缀下
func (s *S3Storage) Save(ctx context.Context, file File) (string, error) {
	if err := Validate(file, s.maxBytes); err != nil {
		return "", err
	}

	key := path.Join("videos", uuid.NewString()+path.Ext(file.Filename))
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file.Content,
		ContentType: aws.String(file.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 storage upload %s: %w", key, err)
	}

	return key, nil
}

// Delete 删除对象，S3 对不存在的 key 返回成功
func (s *S3Storage) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("s3 storage delete %s: %w", ref, err)
	}
	return nil
}

// Open 读取对象内容
func (s *S3Storage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 storage get %s: %w", ref, err)
	}
	return out.Body, nil
}
