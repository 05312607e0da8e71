package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"execution-core/internal/api"
	"execution-core/internal/app"
	"execution-core/internal/recovery"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/i18n"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "execution-core",
		Short: "Session-resilient order execution against a browser-only venue",
		Long: `execution-core accepts trading signals, places them through an authenticated
browser session per account and keeps those sessions alive across expiry,
crashes and restarts.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newEncryptCmd())
	root.AddCommand(newGenKeyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution core (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		log.Printf(i18n.M().ConfigLoadFailed, err)
		return err
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.M().Starting)
	log.Printf(i18n.M().ConfigLoaded, cfg.Port)

	keys, err := app.LoadKeys(cfg.DryRun)
	if err != nil {
		return fmt.Errorf("load encryption keys: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, keys, cancel)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.Run(ctx); err != nil {
		return err
	}
	if reason, ok := a.RestartRequested(); ok {
		log.Printf(i18n.M().RestartRequested, reason)
		os.Exit(recovery.RestartExitCode)
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT for the protected API routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, expires, err := api.IssueToken(operator, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("operator", "operator", "Operator name embedded in the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newEncryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt-secret ACCOUNT_ID",
		Short: "Seal a venue password for the accounts file",
		Long: `Reads the password from stdin and prints the ENC[vN] value to paste into
the accounts file. The account id is bound into the ciphertext.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := crypto.NewKeyManager()
			if err != nil {
				return err
			}
			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			sealed, err := keys.Seal(password, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	return cmd
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a master encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", crypto.EnvKeyPrefix, key)
			return nil
		},
	}
}
