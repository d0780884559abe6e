package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/config"
	"github.com/goliatone/go-connector/negotiation"
	"github.com/goliatone/go-connector/store"
	"github.com/goliatone/go-connector/transfer"
)

type entityPtr[E any] interface {
	*E
	connector.StatefulEntity
}

// stores pairs the store the process manager leases through with the one
// services and commands write through.
type stores[T connector.StatefulEntity] struct {
	managed store.EntityStore[T]
	api     store.EntityStore[T]
}

// backend owns the connections shared by both domain stores.
type backend struct {
	cfg    config.StoreConfig
	db     *sql.DB
	pool   *pgxpool.Pool
	dynamo *dynamodb.Client
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	b := &backend{cfg: cfg}
	var err error
	switch cfg.Backend {
	case config.BackendSQLite:
		b.db, err = sql.Open("sqlite3", cfg.DSN)
		if err == nil {
			err = b.db.PingContext(ctx)
		}
	case config.BackendPostgres:
		b.pool, err = store.NewPool(ctx, cfg.DSN)
	case config.BackendDynamoDB:
		b.dynamo, err = store.NewDynamoClient(ctx, store.DynamoConfig{Region: cfg.Region, Endpoint: cfg.Endpoint})
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return b, nil
}

func (b *backend) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openStores[E any, T entityPtr[E]](ctx context.Context, b *backend, table, owner string, opts ...store.Option) (stores[T], error) {
	opts = append(opts, store.WithTable(table))
	apiOwner := owner + "/api"
	var out stores[T]

	switch b.cfg.Backend {
	case config.BackendSQLite:
		s, err := store.NewSQLStore[E, T](b.db, owner, opts...)
		if err != nil {
			return out, err
		}
		api, err := s.WithOwner(apiOwner)
		if err != nil {
			return out, err
		}
		out.managed, out.api = s, api
	case config.BackendPostgres:
		s, err := store.NewPostgresStore[E, T](b.pool, owner, opts...)
		if err != nil {
			return out, err
		}
		api, err := s.WithOwner(apiOwner)
		if err != nil {
			return out, err
		}
		out.managed, out.api = s, api
	case config.BackendDynamoDB:
		s, err := store.NewDynamoStore[E, T](b.dynamo, owner, opts...)
		if err != nil {
			return out, err
		}
		if err := s.EnsureTable(ctx); err != nil {
			return out, err
		}
		api, err := s.WithOwner(apiOwner)
		if err != nil {
			return out, err
		}
		out.managed, out.api = s, api
	default:
		s, err := store.NewMemoryStore[E, T](owner, opts...)
		if err != nil {
			return out, err
		}
		api, err := s.WithOwner(apiOwner)
		if err != nil {
			return out, err
		}
		out.managed, out.api = s, api
	}
	return out, nil
}

// app holds what every command needs: configuration, logger, stores and
// the domain services.
type app struct {
	cfg     config.Config
	logger  connector.Logger
	backend *backend

	negotiations stores[*negotiation.ContractNegotiation]
	transfers    stores[*transfer.TransferProcess]

	negotiationService *negotiation.Service
	transferService    *transfer.Service
}

func newApp(ctx context.Context, cfg config.Config, logger connector.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, backend: b}
	owner := cfg.LeaseOwner()
	common := []store.Option{
		store.WithLeaseDuration(cfg.Lease.Duration),
		store.WithLogger(logger),
	}

	a.negotiations, err = openStores[negotiation.ContractNegotiation](ctx, b, cfg.Store.NegotiationTable, owner,
		append(common, store.WithDeleteGuard(negotiation.AgreementGuard))...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("negotiation store: %w", err)
	}
	a.transfers, err = openStores[transfer.TransferProcess](ctx, b, cfg.Store.TransferTable, owner, common...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("transfer store: %w", err)
	}

	a.negotiationService = negotiation.NewService(a.negotiations.api, nil, logger)
	a.transferService = transfer.NewService(a.transfers.api, nil, logger)
	return a, nil
}

func (a *app) Close() {
	a.backend.Close()
}
