package badge

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"labtrack/internal/cloudinary"
)

// Cloudinary uploads badges to a Cloudinary folder, one asset per member.
type Cloudinary struct {
	client *cloudinary.Client
}

// NewCloudinary wraps a configured client.
func NewCloudinary(client *cloudinary.Client) *Cloudinary {
	return &Cloudinary{client: client}
}

// Upload stores png under key (without extension) and returns the secure URL.
func (c *Cloudinary) Upload(ctx context.Context, key string, png []byte) (string, error) {
	res, err := c.client.UploadBytes(ctx, png, key, strings.TrimSuffix(key, ".png"))
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// S3Config selects the bucket and endpoint. Empty credentials use the
// default AWS chain.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3 uploads badges to an S3-compatible bucket (AWS S3 or MinIO).
type S3 struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 builds an uploader from cfg.
func NewS3(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &S3{client: client, cfg: cfg}, nil
}

// Upload puts png at key and returns the object URL.
func (u *S3) Upload(ctx context.Context, key string, png []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(png),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return u.objectURL(key), nil
}

func (u *S3) objectURL(key string) string {
	if u.cfg.Endpoint != "" {
		base := strings.TrimRight(u.cfg.Endpoint, "/")
		if u.cfg.PathStyle {
			return base + "/" + u.cfg.Bucket + "/" + key
		}
		if i := strings.Index(base, "://"); i >= 0 {
			return base[:i+3] + u.cfg.Bucket + "." + base[i+3:] + "/" + key
		}
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}
