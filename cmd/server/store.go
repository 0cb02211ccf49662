package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"tripsaga/cmd/server/config"
	sagasdb "tripsaga/internal/db/sagas"
	"tripsaga/internal/saga"
	"tripsaga/internal/store"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var openSagaDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

func buildSagaStore(ctx context.Context, cfg config.StoreConfig, logf func(format string, args ...any)) (saga.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.BackendRedis:
		return buildRedisStore(ctx, logf)
	case config.BackendPostgres, config.BackendMySQL:
		return buildSQLStore(ctx, cfg)
	case config.BackendMongo:
		return buildMongoStore(ctx, cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func buildRedisStore(ctx context.Context, logf func(format string, args ...any)) (saga.Store, func(), error) {
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	st := store.NewRedisStore(client, cfg.Stream, cfg.SagaTTL, cfg.StreamMaxLen, logf)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return st, cleanup, nil
}

func buildSQLStore(ctx context.Context, cfg config.StoreConfig) (saga.Store, func(), error) {
	dialect, err := sagasdb.ParseDialect(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	db, err := openSagaDB(dialect.DriverName(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	st, err := sagasdb.NewSagaStoreWithSchema(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close sagas db: %v", err)
		}
	}
	return st, cleanup, nil
}

func buildMongoStore(ctx context.Context, cfg config.StoreConfig) (saga.Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Printf("disconnect mongo: %v", err)
		}
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		cleanup()
		return nil, nil, err
	}

	coll := mongoCollection{coll: client.Database(cfg.MongoDatabase).Collection("sagas")}
	st := store.NewMongoStore(coll, cfg.MongoSagaTTL)
	if err := st.EnsureIndexes(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return st, cleanup, nil
}

// mongoCollection adapts *mongo.Collection to store.MongoCollection.
type mongoCollection struct {
	coll *mongo.Collection
}

type mongoIndex struct {
	Name               string `bson:"name"`
	ExpireAfterSeconds *int32 `bson:"expireAfterSeconds"`
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, out any) error {
	return c.coll.FindOne(ctx, filter).Decode(out)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

// EnsureTTLIndex creates the named TTL index, replacing one that exists with a different expiry.
func (c mongoCollection) EnsureTTLIndex(ctx context.Context, name, field string, seconds int32) error {
	cur, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return err
	}
	var existing []mongoIndex
	if err := cur.All(ctx, &existing); err != nil {
		return err
	}
	for _, idx := range existing {
		if idx.Name != name {
			continue
		}
		if idx.ExpireAfterSeconds != nil && *idx.ExpireAfterSeconds == seconds {
			return nil
		}
		if _, err := c.coll.Indexes().DropOne(ctx, name); err != nil {
			return err
		}
	}

	_, err = c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(seconds).SetName(name),
	})
	return err
}
