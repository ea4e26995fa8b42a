package config

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// Session creates an AWS session for the events table. Static credentials
// are used when both key variables are set; otherwise the default chain.
func (c DynamoDBConfig) Session() (*session.Session, error) {
	awsCfg := &aws.Config{Region: aws.String(c.Region)}
	if c.Endpoint != "" {
		awsCfg.Endpoint = aws.String(c.Endpoint)
	}

	accessKey, secretKey := os.Getenv(c.AccessKeyEnv), os.Getenv(c.SecretKeyEnv)
	if c.AccessKeyEnv != "" && accessKey != "" && secretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

// Session creates an AWS session for the catalog bucket, defaulting to the
// events region.
func (c CatalogConfig) Session(fallbackRegion string) (*session.Session, error) {
	region := c.S3Region
	if region == "" {
		region = fallbackRegion
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}
