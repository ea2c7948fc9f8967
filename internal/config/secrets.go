package config

import (
	"context"
	"fmt"
	"strings"
)

const (
	ssmRefPrefix            = "ssm:"
	secretsManagerRefPrefix = "secretsmanager:"
)

// ParameterGetter is satisfied by *SSMLoader.
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string, decrypt bool) (string, error)
}

// SecretGetter is satisfied by *AWSSecretsLoader.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretResolver turns "ssm:<name>" and "secretsmanager:<id>" references into
// their values. Loaders are created lazily so that configurations with
// literal tokens never touch AWS.
type SecretResolver struct {
	SSM     func(ctx context.Context) (ParameterGetter, error)
	Secrets func(ctx context.Context) (SecretGetter, error)

	ssm     ParameterGetter
	secrets SecretGetter
}

// NewAWSSecretResolver resolves references through the default AWS config.
func NewAWSSecretResolver() *SecretResolver {
	return &SecretResolver{
		SSM: func(ctx context.Context) (ParameterGetter, error) {
			return NewSSMLoader(ctx)
		},
		Secrets: func(ctx context.Context) (SecretGetter, error) {
			return NewAWSSecretsLoader(ctx)
		},
	}
}

// IsSecretRef reports whether v must be resolved.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, ssmRefPrefix) || strings.HasPrefix(v, secretsManagerRefPrefix)
}

// Resolve returns v unchanged unless it is a reference.
func (r *SecretResolver) Resolve(ctx context.Context, v string) (string, error) {
	switch {
	case strings.HasPrefix(v, ssmRefPrefix):
		if r.ssm == nil {
			if r.SSM == nil {
				return "", fmt.Errorf("no ssm loader for %q", v)
			}
			l, err := r.SSM(ctx)
			if err != nil {
				return "", err
			}
			r.ssm = l
		}
		return r.ssm.GetParameter(ctx, strings.TrimPrefix(v, ssmRefPrefix), true)
	case strings.HasPrefix(v, secretsManagerRefPrefix):
		if r.secrets == nil {
			if r.Secrets == nil {
				return "", fmt.Errorf("no secrets manager loader for %q", v)
			}
			l, err := r.Secrets(ctx)
			if err != nil {
				return "", err
			}
			r.secrets = l
		}
		return r.secrets.GetSecret(ctx, strings.TrimPrefix(v, secretsManagerRefPrefix))
	default:
		return v, nil
	}
}

// ResolveAccounts replaces every access-token reference in cfg.Accounts.
func (r *SecretResolver) ResolveAccounts(ctx context.Context, cfg *Config) error {
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if !IsSecretRef(a.AccessToken) {
			continue
		}
		v, err := r.Resolve(ctx, a.AccessToken)
		if err != nil {
			return fmt.Errorf("account %s: resolve access token: %w", a.ID, err)
		}
		a.AccessToken = strings.TrimSpace(v)
	}
	return nil
}
