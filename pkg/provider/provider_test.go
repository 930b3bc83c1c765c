package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ProviderError
		want string
	}{
		{
			name: "bucket and key",
			err:  &ProviderError{Op: "Put", Provider: ProviderS3, Bucket: "qc", Key: "niviz/manifest.json", Err: ErrAccessDenied},
			want: "s3 Put: qc/niviz/manifest.json: access denied",
		},
		{
			name: "bucket only",
			err:  &ProviderError{Op: "List", Provider: ProviderS3, Bucket: "qc", Err: ErrBucketNotFound},
			want: "s3 List: qc: bucket not found",
		},
		{
			name: "no target",
			err:  &ProviderError{Op: "New", Provider: ProviderFile, Err: errors.New("boom")},
			want: "file New: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("publish: %w", &ProviderError{Op: "Put", Err: err}) }

	assert.True(t, IsRetryable(wrap(ErrThrottled)))
	assert.True(t, IsRetryable(wrap(ErrProviderUnavailable)))
	assert.False(t, IsRetryable(wrap(ErrAccessDenied)))
	assert.False(t, IsRetryable(nil))
}
