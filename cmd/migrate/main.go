package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/windi/messenger/internal/store"
)

type flags struct {
	driver string
	dsn    string
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	f := &flags{}

	app := &cli.Command{
		Name:  "migrate",
		Usage: "Manage the messenger database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "driver",
				Usage:       "database driver (postgres, sqlite)",
				Sources:     cli.EnvVars("DB_DRIVER"),
				Value:       store.DriverSQLite,
				Destination: &f.driver,
			},
			&cli.StringFlag{
				Name:        "dsn",
				Usage:       "database connection string",
				Sources:     cli.EnvVars("DB_DSN"),
				Value:       "file:messenger.db?_pragma=busy_timeout(5000)",
				Destination: &f.dsn,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return f.withMigrator(ctx, func(m *migrate.Migrate) error {
						return ignoreNoChange(m.Up())
					})
				},
			},
			{
				Name:      "down",
				Usage:     "Roll back migrations",
				UsageText: "migrate down [steps]",
				Description: `Rolls back the given number of migrations (default 1).
Pass "all" to drop every table.`,
				Action: func(ctx context.Context, c *cli.Command) error {
					steps := 1
					arg := c.Args().First()
					if arg == "all" {
						return f.withMigrator(ctx, func(m *migrate.Migrate) error {
							return ignoreNoChange(m.Down())
						})
					}
					if arg != "" {
						n, err := strconv.Atoi(arg)
						if err != nil || n < 1 {
							return fmt.Errorf("invalid step count %q", arg)
						}
						steps = n
					}
					return f.withMigrator(ctx, func(m *migrate.Migrate) error {
						return ignoreNoChange(m.Steps(-steps))
					})
				},
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return f.withMigrator(ctx, func(m *migrate.Migrate) error {
						v, dirty, err := m.Version()
						if errors.Is(err, migrate.ErrNilVersion) {
							fmt.Println("no migrations applied")
							return nil
						}
						if err != nil {
							return err
						}
						fmt.Printf("version %d (dirty=%t)\n", v, dirty)
						return nil
					})
				},
			},
			{
				Name:      "add-member",
				Usage:     "Add a user to a chat",
				UsageText: "migrate add-member <chat_id> <user_id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return errors.New("expected <chat_id> <user_id>")
					}
					chatID, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid chat_id: %w", err)
					}
					userID, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid user_id: %w", err)
					}

					st, err := store.Open(ctx, f.driver, f.dsn)
					if err != nil {
						return err
					}
					defer st.Close()
					if err := st.AddMember(ctx, chatID, userID); err != nil {
						return err
					}
					log.Info().Int64("chat_id", chatID).Int64("user_id", userID).Msg("member added")
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

// withMigrator opens the database and runs fn with a migrator over it.
func (f *flags) withMigrator(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	st, err := store.Open(ctx, f.driver, f.dsn)
	if err != nil {
		return err
	}
	m, err := store.NewMigrator(st.DB(), f.driver)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer m.Close()

	if err := fn(m); err != nil {
		return err
	}
	log.Info().Str("driver", f.driver).Msg("done")
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
