// Package archive uploads harvested evidence to S3-compatible object
// storage. Archiving is strictly best-effort: a job's outcome never
// depends on whether its evidence reached the bucket.
package archive

// Config configures the evidence archiver.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set. For S3-compatible stores (Wasabi, MinIO,
// DigitalOcean Spaces), set Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required when archiving is on).
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// nothing else resolves one; no default when Endpoint is set.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects an AWS profile from shared config.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials; both or
	// neither must be set. They take precedence over the default chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not
	// subdomain). Required for most S3-compatible stores.
	ForcePathStyle bool

	// MaxFileBytes skips any single evidence file larger than this.
	// Zero means no limit.
	MaxFileBytes int64
}

// DefaultAWSRegion is the fallback region when nothing else resolves one.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}
