package main

import (
	"codeshare/cfg"
	"codeshare/pkg/secrets"
	"codeshare/svc/db"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "codeshare",
	Short:         "Code sharing service with short links and expiring anonymous pastes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.LoadDotEnv(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, purgeCmd, healthCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration, pulling JWT_SECRET and PEPPER
// from the secret provider chain when SECRETS_FROM_PROVIDER=true.
func loadConfig(ctx context.Context, needSecrets bool) (*cfg.Cfg, error) {
	c, err := cfg.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	// purge and health never touch JWT_SECRET or PEPPER
	if !needSecrets {
		c.SecretsFromProvider = true
	}
	if err := cfg.Validate(c); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if !needSecrets || !c.SecretsFromProvider {
		return c, nil
	}
	chain, err := secrets.FromEnvironment(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize secret providers")
	}
	util.Info().Strs("providers", chain.Names()).Msg("secret providers initialized")
	for _, s := range []struct {
		key    string
		target *cfg.Secret
	}{
		{"JWT_SECRET", &c.JWTSecret},
		{"PEPPER", &c.Pepper},
	} {
		val, err := chain.GetSecret(ctx, s.key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", s.key)
		}
		if len(val) < 32 {
			return nil, fmt.Errorf("%s must be at least 32 bytes", s.key)
		}
		s.target.Wipe()
		*s.target = cfg.NewSecret(val)
	}
	return c, nil
}

// openStore opens the configured backend. The returned SQLite handle is nil
// for Postgres.
func openStore(ctx context.Context, c *cfg.Cfg) (svc.Store, *db.SQLite, error) {
	switch c.DatabaseDriver {
	case cfg.DriverPostgres:
		pg, err := db.NewPostgres(ctx, c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		return pg, nil, nil
	default:
		sq, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		return sq, sq, nil
	}
}
