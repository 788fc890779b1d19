// Package awsutil builds the aws-sdk-go session shared by the stream
// provider, the Lambda invoker and the DynamoDB checkpoint store.
package awsutil

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
)

// Config selects the AWS region and, for local stacks, an endpoint override.
type Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// AWSConfig renders c as an aws.Config.
func (c Config) AWSConfig() *aws.Config {
	cfg := aws.NewConfig()
	if c.Region != "" {
		cfg = cfg.WithRegion(c.Region)
	}
	if c.Endpoint != "" {
		cfg = cfg.WithEndpoint(c.Endpoint)
	}
	if os.Getenv("FISO_AWS_DEBUG") != "" {
		cfg = cfg.WithLogLevel(aws.LogDebugWithHTTPBody)
	}
	return cfg
}

// NewSession creates a session using the default credential chain.
func NewSession(c Config) (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *c.AWSConfig(),
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}

// ErrorCode returns the AWS error code carried by err, or "".
func ErrorCode(err error) string {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code()
	}
	return ""
}

// throttlingCodes are returned by every AWS service when a caller is throttled.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"LimitExceededException":                 true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
}

// IsThrottle reports whether err is an AWS throttling error.
func IsThrottle(err error) bool {
	return throttlingCodes[ErrorCode(err)]
}

// IsUnavailable reports whether err is a server-side or network failure
// that is worth retrying.
func IsUnavailable(err error) bool {
	switch ErrorCode(err) {
	case "InternalServerError", "InternalFailure", "ServiceUnavailable",
		"ServiceUnavailableException", "RequestError", "RequestTimeout",
		"RequestTimeoutException", "ServiceException", "EC2ThrottledException":
		return true
	}
	return false
}
