package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/niviz/pkg/provider"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

// fakeClient serves ListObjectsV2 one key per page and records writes.
type fakeClient struct {
	keys      []string
	puts      map[string]string
	putTypes  map[string]string
	deletes   []string
	deleteErr error
}

func (f *fakeClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var matching []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			matching = append(matching, k)
		}
	}
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		_, err := fmt.Sscanf(tok, "%d", &start)
		if err != nil {
			return nil, err
		}
	}
	out := &s3.ListObjectsV2Output{}
	if start < len(matching) {
		out.Contents = []types.Object{{Key: aws.String(matching[start]), Size: aws.Int64(int64(start)), ETag: aws.String(`"etag"`)}}
	}
	if start+1 < len(matching) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", start+1))
	}
	return out, nil
}

func (f *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(in.Key)] = string(data)
	f.putTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, f.deleteErr
}

func newFake(keys ...string) *fakeClient {
	return &fakeClient{keys: keys, puts: map[string]string{}, putTypes: map[string]string{}}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
		prefix  string
	}{
		{name: "bucket only", cfg: Config{Bucket: "qc"}},
		{name: "prefix trimmed", cfg: Config{Bucket: "qc", Prefix: "/ds001/qc/"}, prefix: "ds001/qc"},
		{name: "missing bucket", cfg: Config{}, wantErr: "Bucket"},
		{name: "half credentials", cfg: Config{Bucket: "qc", AccessKeyID: "AKIA"}, wantErr: "AccessKeyID"},
		{name: "dotdot prefix", cfg: Config{Bucket: "qc", Prefix: "a/../b"}, wantErr: "Prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr != "" {
				var cerr *ConfigError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, tt.wantErr, strings.Split(cerr.Field, "/")[0])
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, cfg.Prefix)
		})
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{})
	var configErr *ConfigError
	assert.True(t, errors.As(err, &configErr))
}

func TestList_PagesAndStripsPrefix(t *testing.T) {
	client := newFake("qc/niviz/sub-02/b.svg", "qc/niviz/manifest.json", "qc/niviz/sub-01/a.svg", "other/x.svg")
	p := NewWithClient(client, "bucket", "/qc/")

	objs, err := p.List(context.Background(), "niviz/")
	require.NoError(t, err)
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	assert.Equal(t, []string{"niviz/manifest.json", "niviz/sub-01/a.svg", "niviz/sub-02/b.svg"}, keys)
	assert.Equal(t, "etag", objs[0].ETag)
}

func TestPutAndDelete(t *testing.T) {
	client := newFake()
	p := NewWithClient(client, "bucket", "qc")
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, "niviz/manifest.json", strings.NewReader("{}"), 2, "application/json"))
	assert.Equal(t, "{}", client.puts["qc/niviz/manifest.json"])
	assert.Equal(t, "application/json", client.putTypes["qc/niviz/manifest.json"])

	require.NoError(t, p.Delete(ctx, "niviz/old.svg"))
	assert.Equal(t, []string{"qc/niviz/old.svg"}, client.deletes)

	client.deleteErr = &types.NoSuchKey{}
	assert.NoError(t, p.Delete(ctx, "missing.svg"), "missing objects are already deleted")

	client.deleteErr = &mockAPIError{code: "AccessDenied"}
	assert.ErrorIs(t, p.Delete(ctx, "locked.svg"), provider.ErrAccessDenied)
}

func TestWrapError_Types(t *testing.T) {
	p := &Provider{bucket: "test-bucket"}

	err := p.wrapError("Put", "missing.txt", &types.NoSuchKey{})
	var provErr *provider.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "Put", provErr.Op)
	assert.Equal(t, provider.ProviderS3, provErr.Provider)
	assert.Equal(t, "test-bucket", provErr.Bucket)
	assert.Equal(t, "missing.txt", provErr.Key)
	assert.True(t, errors.Is(err, provider.ErrNotFound))

	assert.True(t, errors.Is(p.wrapError("List", "", &types.NoSuchBucket{}), provider.ErrBucketNotFound))
}

func TestWrapError_FromMessage(t *testing.T) {
	p := &Provider{bucket: "test-bucket"}

	tests := []struct {
		name     string
		errMsg   string
		expected error
	}{
		{"access denied", "AccessDenied: Access Denied", provider.ErrAccessDenied},
		{"403", "operation error: https response error StatusCode: 403", provider.ErrAccessDenied},
		{"no such key", "NoSuchKey: The specified key does not exist", provider.ErrNotFound},
		{"404", "operation error: https response error StatusCode: 404", provider.ErrNotFound},
		{"no such bucket", "NoSuchBucket: bucket does not exist", provider.ErrBucketNotFound},
		{"signature mismatch", "SignatureDoesNotMatch: invalid signature", provider.ErrInvalidCredentials},
		{"slow down", "SlowDown: Please reduce your request rate", provider.ErrThrottled},
		{"429", "operation error: https response error StatusCode: 429", provider.ErrThrottled},
		{"503", "operation error: https response error StatusCode: 503", provider.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.wrapError("Test", "key", errors.New(tt.errMsg))
			assert.True(t, errors.Is(err, tt.expected))
		})
	}
}

func TestWrapError_APIError(t *testing.T) {
	p := &Provider{bucket: "test-bucket"}

	tests := []struct {
		code     string
		expected error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrBucketNotFound},
		{"Forbidden", provider.ErrAccessDenied},
		{"InvalidAccessKeyId", provider.ErrInvalidCredentials},
		{"RequestLimitExceeded", provider.ErrThrottled},
		{"InternalError", provider.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := p.wrapError("Test", "key", &mockAPIError{code: tt.code, message: "test message"})
			assert.True(t, errors.Is(err, tt.expected), "expected %v for code %s", tt.expected, tt.code)
		})
	}

	unknown := p.wrapError("Test", "key", &mockAPIError{code: "Weird"})
	assert.False(t, provider.IsRetryable(unknown))
}

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		name      string
		endpoint  string
		sdkRegion string
		expected  string
	}{
		{"SDK resolved region", "", "eu-west-1", "eu-west-1"},
		{"AWS defaults to us-east-1", "", "", "us-east-1"},
		{"S3-compatible does not default", "http://localhost:9000", "", ""},
		{"S3-compatible keeps SDK region", "http://localhost:9000", "us-east-2", "us-east-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveRegion(tt.endpoint, tt.sdkRegion))
		})
	}
}
