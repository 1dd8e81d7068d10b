package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/external"
	"github.com/atvirokodosprendimai/benesync/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/usecase"
	"github.com/atvirokodosprendimai/benesync/internal/metrics"
	"github.com/atvirokodosprendimai/benesync/migrations"
)

type Config struct {
	Addr             string
	DBPath           string
	BootstrapAPIKey  string
	BootstrapKeyName string

	AuditSigningSecret string

	ExternalAdapter  string
	ExternalURL      string
	ExternalSecret   string
	ExternalUserID   string
	ExternalInterval time.Duration
	PageSize         int
	BatchSize        int
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	eventStore := sqliteadapter.NewEventStore(db)
	entityStore := sqliteadapter.NewEntityStore(db)
	apiKeyRepo := sqliteadapter.NewAPIKeyRepository(db)
	syncConfigRepo := sqliteadapter.NewSyncConfigRepository(db)

	mtr := metrics.New()

	engine := usecase.NewEngine(eventStore, entityStore)
	engine.SetObserver(mtr)
	if cfg.AuditSigningSecret != "" {
		engine.SetAuditSigningSecret([]byte(cfg.AuditSigningSecret))
	}

	internalSync := usecase.NewInternalSyncService(engine, eventStore, entityStore)
	internalSync.SetObserver(mtr)

	registry := external.NewRegistry(cfg.ExternalSecret, 10*time.Second)
	externalSync := usecase.NewExternalSyncService(engine, eventStore, syncConfigRepo, registry.Resolve)
	externalSync.SetObserver(mtr)

	authService := usecase.NewAuthService(apiKeyRepo)

	var runner *usecase.ExternalSyncRunner
	closers := []io.Closer{db}
	if cfg.ExternalAdapter != "" {
		bootCtx, bootCancel := context.WithTimeout(ctx, 5*time.Second)
		err := syncConfigRepo.Upsert(bootCtx, domain.SyncConfig{
			ID:          "default",
			AdapterType: cfg.ExternalAdapter,
			URL:         cfg.ExternalURL,
			UserID:      cfg.ExternalUserID,
			PageSize:    cfg.PageSize,
			BatchSize:   cfg.BatchSize,
		})
		bootCancel()
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("bootstrap sync config: %w", err)
		}

		if cfg.ExternalInterval > 0 {
			runner = usecase.NewExternalSyncRunner(externalSync, "default", domain.Credentials{}, cfg.ExternalInterval)
			runner.Start(context.Background())
			closers = append([]io.Closer{runner}, closers...)
		}
	}

	if cfg.BootstrapAPIKey != "" {
		name := cfg.BootstrapKeyName
		if name == "" {
			name = "bootstrap"
		}

		bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := apiKeyRepo.Upsert(bootCtx, domain.APIKey{
			TokenHash: usecase.HashToken(cfg.BootstrapAPIKey),
			Name:      name,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		bootCancel()
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	handler := httpapi.NewHandler(engine, internalSync, externalSync, authService, syncConfigRepo, entityStore, eventStore, mtr.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, resourceCloser{closers: closers}, nil
}
