// Package awsclient builds the DynamoDB client shared by the Lambda
// functions and the CLI.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/atenni/offboarding-automation/internal/config"
)

// NewDynamoDB loads the default credential chain for cfg.Region. A non empty
// DynamoDBEndpoint points the client at that endpoint, e.g. DynamoDB Local.
func NewDynamoDB(ctx context.Context, cfg config.AWSConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, endpoint(cfg.DynamoDBEndpoint)), nil
}

func endpoint(url string) func(*dynamodb.Options) {
	return func(o *dynamodb.Options) {
		if url != "" {
			o.BaseEndpoint = aws.String(url)
		}
	}
}
