// Package commands implements sessionctl, the operator CLI for the session ledger
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yegors/sessionpay/internal/authority"
	"github.com/yegors/sessionpay/internal/config"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/storage/postgres"
	"github.com/yegors/sessionpay/internal/storage/sqlite"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Store is what both ledger backends provide
type Store interface {
	ledger.Store
	ledger.KeyStore
}

// env is shared by every subcommand
type env struct {
	cfg    *config.Config
	store  Store
	log    *logger.Logger
	out    io.Writer
	format string
}

// authority builds a session authority; only commands that destroy keys need one
func (e *env) authority() (*authority.Authority, error) {
	if err := e.cfg.ValidateCustody(); err != nil {
		return nil, err
	}
	keys, err := custody.NewKeystore(e.store, e.cfg.Custody.Passphrase, custody.KDFParams{
		Salt:      e.cfg.KDFSaltBytes(),
		MemoryKiB: e.cfg.Custody.KDFMemoryKiB,
		Time:      e.cfg.Custody.KDFTime,
		Threads:   4,
	}, e.log)
	if err != nil {
		return nil, err
	}
	return authority.New(authority.Config{
		Budget:   e.cfg.Session.BudgetAmount,
		Duration: e.cfg.SessionDuration(),
	}, e.store, keys, nil, e.log), nil
}

var (
	configPath string
	format     string
	verbose    bool
)

// Execute runs the root command
func Execute() error {
	return newRoot(nil).Execute()
}

// newRoot builds the command tree. A non-nil open replaces the config-driven store.
func newRoot(open func(ctx context.Context) (*env, error)) *cobra.Command {
	var e *env
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Inspect and repair the session ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unknown output format %q (table, json or yaml)", format)
			}
			if open == nil {
				open = openFromConfig
			}
			var err error
			e, err = open(cmd.Context())
			if err != nil {
				return err
			}
			e.out = cmd.OutOrStdout()
			e.format = format
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if e != nil && e.store != nil {
				return e.store.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.PersistentFlags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	current := func() *env { return e }
	root.AddCommand(sessionsCmd(current), reconcileCmd(current))
	return root
}

func openFromConfig(ctx context.Context) (*env, error) {
	cfg, err := config.LoadWithFallback(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateSession(); err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "console"})
	if err != nil {
		return nil, err
	}

	var store Store
	switch cfg.Storage.Type {
	case "postgres":
		store, err = postgres.Open(ctx, postgres.Config{DSN: cfg.Storage.PostgresDSN, MaxConns: 2}, log)
	default:
		if _, statErr := os.Stat(cfg.Storage.SQLitePath); statErr != nil {
			return nil, fmt.Errorf("ledger database %s: %w", cfg.Storage.SQLitePath, statErr)
		}
		store, err = sqlite.Open(cfg.Storage.SQLitePath, log)
	}
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: store, log: log}, nil
}
