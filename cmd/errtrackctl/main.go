// Package main is the errtrack operator CLI: schema migrations and API key
// management against the Postgres store.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/internal/apikey"
	"github.com/kiranshivaraju/errtrack/internal/config"
	"github.com/kiranshivaraju/errtrack/internal/store"
	"github.com/kiranshivaraju/errtrack/pkg/models"
	"github.com/spf13/cobra"
)

// keyStore is the part of the store the key commands use.
type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// backend opens the key store and returns a release func.
type backend func(ctx context.Context) (keyStore, func(), error)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd(os.Stdout, postgresBackend, store.RunMigrations).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, open backend, migrate func(databaseURL, dir string) error) *cobra.Command {
	root := &cobra.Command{
		Use:          "errtrackctl",
		Short:        "Operate an errtrack deployment",
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.AddCommand(newMigrateCmd(migrate), newKeysCmd(open))
	return root
}

func newMigrateCmd(migrate func(databaseURL, dir string) error) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dir == "" {
				dir = db.MigrationsDir
			}
			if err := migrate(db.URL, dir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Migrations directory (default $MIGRATIONS_DIR or ./migrations)")
	return cmd
}

func newKeysCmd(open backend) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage operator API keys",
	}

	var name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name = strings.TrimSpace(name)
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			key, raw, err := apikey.Generate(name, scopes)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			ks, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := ks.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", key.ID)
			fmt.Fprintf(out, "name:   %s\n", key.Name)
			fmt.Fprintf(out, "scopes: %s\n", strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "key:    %s\n", raw)
			fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Unique key name, recorded as the actor for triage actions")
	create.Flags().StringSliceVar(&scopes, "scopes", []string{models.ScopeRead}, "Comma-separated scopes: read, triage, admin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			all, err := ks.ListAPIKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
			for _, k := range all {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
			}
			return tw.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("key id must be a UUID: %w", err)
			}

			ks, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := ks.RevokeAPIKey(cmd.Context(), id); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
			return nil
		},
	}

	keys.AddCommand(create, list, revoke)
	return keys
}

func postgresBackend(ctx context.Context) (keyStore, func(), error) {
	db, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
