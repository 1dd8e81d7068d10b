package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/benesync/internal/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "benesync",
		Usage: "Offline-first beneficiary record engine with event sync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":8080",
				Usage: "HTTP listen address",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Value: "./benesync.sqlite",
				Usage: "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "bootstrap-api-key",
				Sources: cli.EnvVars("BENESYNC_BOOTSTRAP_API_KEY"),
				Usage:   "Optional API key to upsert at startup",
			},
			&cli.StringFlag{
				Name:    "bootstrap-key-name",
				Value:   "bootstrap",
				Sources: cli.EnvVars("BENESYNC_BOOTSTRAP_KEY_NAME"),
				Usage:   "Name for bootstrap API key",
			},
			&cli.StringFlag{
				Name:    "audit-signing-secret",
				Sources: cli.EnvVars("BENESYNC_AUDIT_SIGNING_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for audit log entries",
			},
			&cli.StringFlag{
				Name:    "external-adapter",
				Sources: cli.EnvVars("BENESYNC_EXTERNAL_ADAPTER"),
				Usage:   "External sync adapter type (rest or log); empty disables external sync",
			},
			&cli.StringFlag{
				Name:    "external-url",
				Sources: cli.EnvVars("BENESYNC_EXTERNAL_URL"),
				Usage:   "Base URL of the external system for the rest adapter",
			},
			&cli.StringFlag{
				Name:    "external-secret",
				Sources: cli.EnvVars("BENESYNC_EXTERNAL_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound external requests",
			},
			&cli.StringFlag{
				Name:    "external-user-id",
				Value:   "external-sync",
				Sources: cli.EnvVars("BENESYNC_EXTERNAL_USER_ID"),
				Usage:   "Acting user recorded on externally imported events",
			},
			&cli.DurationFlag{
				Name:    "external-interval",
				Sources: cli.EnvVars("BENESYNC_EXTERNAL_INTERVAL"),
				Usage:   "Interval between scheduled external sync cycles; zero disables the scheduler",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Events per sync pull page (0 uses the default of 10)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Events per external push batch (0 uses the default of 100)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := app.Config{
				Addr:               c.String("addr"),
				DBPath:             c.String("db-path"),
				BootstrapAPIKey:    c.String("bootstrap-api-key"),
				BootstrapKeyName:   c.String("bootstrap-key-name"),
				AuditSigningSecret: c.String("audit-signing-secret"),
				ExternalAdapter:    c.String("external-adapter"),
				ExternalURL:        c.String("external-url"),
				ExternalSecret:     c.String("external-secret"),
				ExternalUserID:     c.String("external-user-id"),
				ExternalInterval:   c.Duration("external-interval"),
				PageSize:           int(c.Int("page-size")),
				BatchSize:          int(c.Int("batch-size")),
			}

			server, closer, err := app.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.Printf("close resources: %v", closeErr)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", cfg.Addr)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				log.Printf("received signal %s", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
