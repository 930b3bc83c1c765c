package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/3leaps/niviz/pkg/provider"
	"github.com/3leaps/niviz/pkg/provider/file"
	"github.com/3leaps/niviz/pkg/provider/s3"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// DestinationURI is a parsed publish destination.
//
// Example URIs:
//   - s3://bucket
//   - s3://bucket/studies/ds001/qc/
//   - file:///srv/qc
//   - /srv/qc (same as file://)
type DestinationURI struct {
	// Provider is "s3" or "file".
	Provider provider.ProviderType

	// Bucket is set for s3.
	Bucket string

	// Prefix is the key prefix for s3, without surrounding slashes.
	Prefix string

	// Path is the absolute base directory for file.
	Path string
}

// String returns the URI in canonical form.
func (u *DestinationURI) String() string {
	if u.Provider == provider.ProviderFile {
		return "file://" + filepath.ToSlash(u.Path)
	}
	if u.Prefix != "" {
		return fmt.Sprintf("s3://%s/%s/", u.Bucket, u.Prefix)
	}
	return fmt.Sprintf("s3://%s/", u.Bucket)
}

// ParseDestination parses a publish destination.
func ParseDestination(uri string) (*DestinationURI, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return fileDestination(uri)
	}

	scheme := strings.ToLower(uri[:schemeEnd])
	remainder := uri[schemeEnd+3:]
	switch scheme {
	case "file":
		if remainder == "" {
			return nil, fmt.Errorf("%w: file URI has no path", ErrInvalidURI)
		}
		return fileDestination(filepath.FromSlash(remainder))
	case "s3":
	default:
		return nil, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedProvider, scheme)
	}

	if remainder == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	bucket, prefix, _ := strings.Cut(remainder, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}

	// basic validation; S3 bucket names can't contain most special chars
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	prefix = strings.Trim(prefix, "/")
	for _, seg := range strings.Split(prefix, "/") {
		if seg == ".." {
			return nil, fmt.Errorf("%w: prefix must not contain '..'", ErrInvalidURI)
		}
	}

	return &DestinationURI{Provider: provider.ProviderS3, Bucket: bucket, Prefix: prefix}, nil
}

func fileDestination(p string) (*DestinationURI, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return &DestinationURI{Provider: provider.ProviderFile, Path: abs}, nil
}

// s3Options carries the s3 flags of commands that publish.
type s3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// openDestination creates the provider for a parsed destination.
func openDestination(ctx context.Context, d *DestinationURI, opts s3Options) (provider.Provider, error) {
	switch d.Provider {
	case provider.ProviderFile:
		p, err := file.New(file.Config{BaseDir: d.Path})
		if err != nil {
			return nil, err
		}
		return p, nil
	case provider.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         d.Bucket,
			Prefix:         d.Prefix,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			Profile:        opts.Profile,
			ForcePathStyle: opts.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, d.Provider)
	}
}
