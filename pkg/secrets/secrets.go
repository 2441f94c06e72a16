// Package secrets resolves startup secrets from Vault, AWS Secrets Manager or
// the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrNoProviders    = errors.New("no secret providers configured")
	ErrSecretNotFound = errors.New("secret not found")
)

const lookupTimeout = 10 * time.Second

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

// Chain asks each provider in order and returns the first non-empty value.
// With failClosed set, a provider error stops the lookup instead of falling
// through to the next provider.
type Chain struct {
	providers  []Provider
	failClosed bool
}

func NewChain(failClosed bool, providers ...Provider) *Chain {
	return &Chain{providers: providers, failClosed: failClosed}
}

// FromEnvironment builds the chain the server uses: Vault when VAULT_ADDR is
// set, AWS Secrets Manager when AWS_REGION is set, then the environment.
// SECRETS_REQUIRE_PRIMARY=true drops the environment fallback.
func FromEnvironment(ctx context.Context) (*Chain, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var providers []Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := NewVault(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "vault provider")
		}
		providers = append(providers, vp)
	}
	if os.Getenv("AWS_REGION") != "" {
		ap, err := NewAWS(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "aws provider")
		}
		providers = append(providers, ap)
	}
	if requirePrimary && len(providers) == 0 {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but neither VAULT_ADDR nor AWS_REGION is set")
	}
	if !requirePrimary {
		providers = append(providers, Env{})
	}
	failClosed := os.Getenv("SECRETS_FAIL_CLOSED") != "false"
	return NewChain(failClosed, providers...), nil
}

func (c *Chain) GetSecret(ctx context.Context, key string) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProviders
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	for _, p := range c.providers {
		val, err := p.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err != nil && !errors.Is(err, ErrSecretNotFound) && c.failClosed {
			return "", errors.Wrapf(err, "%s: get %s (fail-closed)", p.Name(), key)
		}
	}
	return "", errors.Wrap(ErrSecretNotFound, key)
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

type Vault struct {
	client     *vault.Client
	secretPath string
}

func NewVault(ctx context.Context) (*Vault, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = os.Getenv("VAULT_ADDR")
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &Vault{
		client:     client,
		secretPath: strings.TrimRight(getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/codeshare"), "/"),
	}, nil
}
func (v *Vault) Name() string { return "vault" }

// GetSecret reads a KV v2 entry at <secretPath>/<key> and returns its "value" field.
func (v *Vault) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type AWS struct {
	client *secretsmanager.Client
	prefix string
}

func NewAWS(ctx context.Context) (*AWS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &AWS{
		client: secretsmanager.NewFromConfig(awsCfg),
		prefix: os.Getenv("AWS_SECRET_PREFIX"),
	}, nil
}
func (a *AWS) Name() string { return "aws-secretsmanager" }
func (a *AWS) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", id)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// Env reads secrets straight from the process environment.
type Env struct{}

func (Env) Name() string { return "env" }
func (Env) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
