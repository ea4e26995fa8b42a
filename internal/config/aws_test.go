package config

import (
	"testing"
)

// =============================================================================
// AWS Session Tests
// =============================================================================

// TestDynamoDBSession_StaticCredentials verifies env keys are picked up.
func TestDynamoDBSession_StaticCredentials(t *testing.T) {
	t.Setenv("TEST_DDB_KEY", "AKIDEXAMPLE")
	t.Setenv("TEST_DDB_SECRET", "secret")

	cfg := DynamoDBConfig{
		Region:       "us-west-2",
		Endpoint:     "http://localhost:8000",
		AccessKeyEnv: "TEST_DDB_KEY",
		SecretKeyEnv: "TEST_DDB_SECRET",
	}

	sess, err := cfg.Session()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *sess.Config.Region; got != "us-west-2" {
		t.Errorf("expected region us-west-2, got %q", got)
	}
	if got := *sess.Config.Endpoint; got != "http://localhost:8000" {
		t.Errorf("expected local endpoint, got %q", got)
	}

	creds, err := sess.Config.Credentials.Get()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.AccessKeyID != "AKIDEXAMPLE" {
		t.Errorf("expected static access key, got %q", creds.AccessKeyID)
	}
}

// TestCatalogSession_RegionFallback verifies the events region is used when
// no bucket region is set.
func TestCatalogSession_RegionFallback(t *testing.T) {
	tests := []struct {
		name   string
		region string
		want   string
	}{
		{"explicit", "eu-west-1", "eu-west-1"},
		{"fallback", "", "us-east-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := CatalogConfig{S3Region: tt.region}.Session("us-east-2")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := *sess.Config.Region; got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
