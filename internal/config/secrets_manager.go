package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsLoader loads secrets from AWS Secrets Manager
type AWSSecretsLoader struct {
	client SecretsManagerClient
}

// NewAWSSecretsLoader creates a new loader with default AWS config
func NewAWSSecretsLoader(ctx context.Context) (*AWSSecretsLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretsLoader{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewAWSSecretsLoaderWithClient is used with a preconfigured or fake client.
func NewAWSSecretsLoaderWithClient(client SecretsManagerClient) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: client}
}

// GetSecret retrieves a secret value from AWS Secrets Manager
func (l *AWSSecretsLoader) GetSecret(ctx context.Context, secretName string) (string, error) {
	logger.Infof("[SecretsLoader] Retrieving secret: %s", secretName)

	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretsLoader] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		logger.Errorf("[SecretsLoader] Secret value is nil: %s", secretName)
		return "", fmt.Errorf("secret value is nil")
	}
	return *result.SecretString, nil
}
