package main

import (
	"codeshare/pkg/shortcode"
	"codeshare/svc/auth"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every expired paste once and print how many were removed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := loadConfig(ctx, false)
		if err != nil {
			return err
		}
		util.InitLog(c.LogLevel, c.Environment == "development")
		store, _, err := openStore(ctx, c)
		if err != nil {
			return errors.Wrap(err, "failed to initialize database")
		}
		defer store.Close()
		p := svc.NewPaste(store, shortcode.New(), c)
		defer p.Shutdown()
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired pastes\n", n)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Ping the database and exit non-zero when it is unreachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		c, err := loadConfig(ctx, false)
		if err != nil {
			return err
		}
		util.InitLog("disabled", false)
		store, _, err := openStore(ctx, c)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return errors.Wrap(err, "database ping failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an identity token for a user id (development and testing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Wipe()
		if c.Environment == "production" {
			return errors.New("token issuing is disabled in production")
		}
		tokens, err := auth.NewTokens([]byte(c.JWTSecret.Value()))
		if err != nil {
			return err
		}
		tok, err := tokens.Issue(tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
