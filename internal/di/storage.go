package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/api/iterator"

	"github.com/hanko-field/oms/internal/platform/config"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
	"github.com/hanko-field/oms/internal/platform/health"
	"github.com/hanko-field/oms/internal/repositories"
	firestoreRepo "github.com/hanko-field/oms/internal/repositories/firestore"
	"github.com/hanko-field/oms/internal/repositories/postgres"
	"github.com/hanko-field/oms/internal/repositories/postgres/migrations"
)

const (
	storageFirestore = "firestore"
	storagePostgres  = "postgres"
)

// buildOrderRepository selects the order store named by cfg.Storage.Driver.
func (c *Container) buildOrderRepository(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.OrderRepository, []health.Check, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); driver {
	case "", storageFirestore:
		repo, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise order repository: %w", err)
		}
		return repo, nil, nil
	case storagePostgres:
		pool, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := migrations.Apply(ctx, pool); err != nil {
			return nil, nil, fmt.Errorf("apply order store migrations: %w", err)
		}
		repo, err := postgres.NewOrderRepository(pool)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise order repository: %w", err)
		}
		return repo, []health.Check{{Name: storagePostgres, Probe: pool.Ping}}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func firestoreCheck(client *firestore.Client) health.Check {
	return health.Check{
		Name: storageFirestore,
		Probe: func(ctx context.Context) error {
			iter := client.Collections(ctx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}
}
