package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader loads parameters from AWS Systems Manager Parameter Store
type SSMLoader struct {
	client SSMParameterStoreClient
}

// NewSSMLoader creates a new loader with default AWS config
func NewSSMLoader(ctx context.Context) (*SSMLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SSMLoader{client: ssm.NewFromConfig(cfg)}, nil
}

// NewSSMLoaderWithClient is used with a preconfigured or fake client.
func NewSSMLoaderWithClient(client SSMParameterStoreClient) *SSMLoader {
	return &SSMLoader{client: client}
}

// GetParameter retrieves a parameter from SSM
func (l *SSMLoader) GetParameter(ctx context.Context, paramName string, decrypt bool) (string, error) {
	logger.Infof("[SSMLoader] Retrieving parameter: %s", paramName)

	result, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		logger.Errorf("[SSMLoader] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("failed to get parameter: %w", err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		logger.Errorf("[SSMLoader] Parameter value is nil: %s", paramName)
		return "", fmt.Errorf("parameter value is nil")
	}
	return *result.Parameter.Value, nil
}
