package s3

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/niviz/pkg/provider"
)

// Client is the subset of the S3 API the provider calls. *s3.Client
// implements it.
type Client interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Provider implements provider.Provider for one bucket and key prefix.
type Provider struct {
	client Client
	bucket string
	prefix string
}

var _ provider.Provider = (*Provider)(nil)

// New creates a provider using the SDK default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, bucket, prefix string) *Provider {
	return &Provider{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// List pages through every object under prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]provider.Object, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(p.bucket)}
	if full := p.key(prefix); full != "" {
		input.Prefix = aws.String(full)
	}

	var out []provider.Object
	pager := s3.NewListObjectsV2Paginator(p.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, p.wrapError("List", prefix, err)
		}
		for _, obj := range page.Contents {
			key, ok := p.strip(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			out = append(out, provider.Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				ETag:         cleanETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.key(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(p.key(key))})
	if err != nil {
		wrapped := p.wrapError("Delete", key, err)
		if errors.Is(wrapped, provider.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources.
func (p *Provider) Close() error {
	return nil
}

func (p *Provider) key(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if p.prefix == "" {
		return rel
	}
	return p.prefix + "/" + rel
}

func (p *Provider) strip(full string) (string, bool) {
	if p.prefix == "" {
		return full, true
	}
	rel, ok := strings.CutPrefix(full, p.prefix+"/")
	return rel, ok
}

// wrapError maps S3 failures onto provider sentinels.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Bucket: p.bucket, Key: p.key(key), Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := codeSentinel(apiErr.ErrorCode()); sentinel != nil {
			wrapped.Err = sentinel
		}
		return wrapped
	}

	msg := err.Error()
	for _, probe := range []struct {
		needles  []string
		sentinel error
	}{
		{[]string{"NoSuchBucket"}, provider.ErrBucketNotFound},
		{[]string{"NoSuchKey", "NotFound", "StatusCode: 404"}, provider.ErrNotFound},
		{[]string{"AccessDenied", "Forbidden", "StatusCode: 403"}, provider.ErrAccessDenied},
		{[]string{"InvalidAccessKeyId", "SignatureDoesNotMatch"}, provider.ErrInvalidCredentials},
		{[]string{"SlowDown", "Throttling", "StatusCode: 429"}, provider.ErrThrottled},
		{[]string{"ServiceUnavailable", "StatusCode: 503"}, provider.ErrProviderUnavailable},
	} {
		for _, n := range probe.needles {
			if strings.Contains(msg, n) {
				wrapped.Err = probe.sentinel
				return wrapped
			}
		}
	}
	return wrapped
}

func codeSentinel(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return provider.ErrNotFound
	case "NoSuchBucket":
		return provider.ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return provider.ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return provider.ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return provider.ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return provider.ErrProviderUnavailable
	}
	return nil
}

// cleanETag removes the quotes S3 puts around ETags.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// resolveRegion applies the us-east-1 fallback for AWS S3 once the SDK has
// tried config, environment and profile.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" || endpoint != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}
