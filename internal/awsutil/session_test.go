package awsutil

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
)

func TestAWSConfig(t *testing.T) {
	cfg := Config{Region: "eu-west-1", Endpoint: "http://localhost:4566"}.AWSConfig()
	if aws.StringValue(cfg.Region) != "eu-west-1" {
		t.Errorf("expected region eu-west-1, got %s", aws.StringValue(cfg.Region))
	}
	if aws.StringValue(cfg.Endpoint) != "http://localhost:4566" {
		t.Errorf("expected endpoint override, got %s", aws.StringValue(cfg.Endpoint))
	}
}

func TestAWSConfig_Empty(t *testing.T) {
	cfg := Config{}.AWSConfig()
	if cfg.Region != nil || cfg.Endpoint != nil {
		t.Errorf("expected no region or endpoint, got %v %v", cfg.Region, cfg.Endpoint)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsThrottle(awserr.New("ThrottlingException", "slow down", nil)) {
		t.Error("expected throttling error")
	}
	if !IsUnavailable(awserr.New("InternalServerError", "oops", nil)) {
		t.Error("expected unavailable error")
	}
	if IsThrottle(errors.New("plain")) || IsUnavailable(errors.New("plain")) {
		t.Error("plain errors must not be classified")
	}
	if ErrorCode(awserr.New("ResourceNotFoundException", "", nil)) != "ResourceNotFoundException" {
		t.Error("expected error code")
	}
}
