// Package s3 publishes run outputs to AWS S3 and S3-compatible storage.
package s3

import "strings"

// DefaultAWSRegion is used for AWS S3 when neither the config, the
// environment nor a profile names a region.
const DefaultAWSRegion = "us-east-1"

// Config configures an S3 provider.
//
// Credentials come from AccessKeyID/SecretAccessKey when both are set,
// otherwise from the AWS SDK default chain (environment, shared files,
// profile, instance or task role).
type Config struct {
	// Bucket is required.
	Bucket string

	// Prefix is prepended to every key, e.g. "studies/ds001/qc". It is
	// stored without leading or trailing slashes.
	Prefix string

	Region string

	// Endpoint selects an S3-compatible store such as MinIO
	// (http://localhost:9000). No default region applies when set.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	// Most S3-compatible stores need it.
	ForcePathStyle bool
}

// Validate checks required fields and normalizes Prefix.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	if strings.Contains("/"+c.Prefix+"/", "/../") {
		return &ConfigError{Field: "Prefix", Message: "must not contain .. segments"}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
