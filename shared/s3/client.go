package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultRegion is used when no region is configured
const DefaultRegion = "us-east-1"

var (
	// ErrInvalidConfig is returned when required settings are missing
	ErrInvalidConfig = errors.New("s3: invalid configuration")

	// ErrAccessDenied is returned when the credentials cannot write the object
	ErrAccessDenied = errors.New("s3: access denied")

	// ErrUploadFailed is returned for any other upload failure
	ErrUploadFailed = errors.New("s3: upload failed")
)

// Config holds S3-compatible storage configuration
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for MinIO or other S3-compatible services
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string // optional URL prefix used for returned object URLs
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
}

// Validate checks the required settings
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%w: access key and secret key are required", ErrInvalidConfig)
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Client writes export files to an S3 bucket
type Client struct {
	api    objectPutter
	config Config
	logger *slog.Logger
}

// NewClient creates a new S3 client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awss3.Options){
		func(o *awss3.Options) {
			o.Region = config.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")
		},
	}

	if config.Endpoint != "" {
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.PathStyle
		})
	}

	logger.Info("S3 client initialized",
		slog.String("bucket", config.Bucket),
		slog.String("region", config.Region),
		slog.String("endpoint", config.Endpoint),
	)

	return &Client{
		api:    awss3.New(awss3.Options{}, opts...),
		config: config,
		logger: logger,
	}, nil
}

// PutObject uploads body under key and returns the object's URL
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	}

	if _, err := c.api.PutObject(ctx, input); err != nil {
		c.logger.Error("Failed to upload object",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return "", wrapError(err)
	}

	c.logger.Debug("Object uploaded",
		slog.String("key", key),
		slog.Int("size", len(body)),
	)

	return c.objectURL(key), nil
}

func (c *Client) objectURL(key string) string {
	if c.config.PublicURL != "" {
		return strings.TrimSuffix(c.config.PublicURL, "/") + "/" + key
	}

	if c.config.Endpoint != "" {
		endpoint := strings.TrimSuffix(c.config.Endpoint, "/")
		if c.config.PathStyle {
			return fmt.Sprintf("%s/%s/%s", endpoint, c.config.Bucket, key)
		}
		// virtual-hosted style addresses the bucket as a subdomain of the endpoint
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			u.Host = c.config.Bucket + "." + u.Host
			u.Path = u.Path + "/" + key
			return u.String()
		}
		return fmt.Sprintf("%s/%s/%s", endpoint, c.config.Bucket, key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.config.Bucket, c.config.Region, key)
}

// wrapError maps S3 API errors onto the package sentinels
func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUploadFailed, err)
}
