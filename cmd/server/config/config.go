package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendMongo    = "mongo"
)

// Dispatch modes.
const (
	DispatchLocal = "local"
	DispatchAMQP  = "amqp"
	DispatchHTTP  = "http"
)

// ServerConfig holds the API listeners and orchestrator tuning.
type ServerConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	SagaMaxAttempts   int
	ReplyWorkers      int
	StreamIdleTimeout time.Duration
	StreamBuffer      int
}

// StoreConfig selects and locates the saga store.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	MongoURL      string
	MongoDatabase string
	MongoSagaTTL  time.Duration
}

// DispatchConfig selects the worker transport and its reliability controls.
type DispatchConfig struct {
	Mode              string
	AMQPURL           string
	AMQPExchange      string
	AMQPReplyQueue    string
	AMQPPrefetch      int
	RoutesFile        string
	LocalWorkerDelay  time.Duration
	Timeout           time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerFailures   int
	BreakerReset      time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	SagaTTL            time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadServer reads listener addresses and orchestrator tuning from env.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr: stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr: stringOr("GRPC_ADDR", ":50051"),
	}
	var err error
	if cfg.RateLimitInterval, err = durationOr("API_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("API_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.SagaMaxAttempts, err = intOr("SAGA_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.ReplyWorkers, err = intOr("REPLY_WORKERS", 8); err != nil {
		return cfg, err
	}
	if cfg.StreamIdleTimeout, err = durationOr("STREAM_IDLE_TIMEOUT", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StreamBuffer, err = intOr("STREAM_BUFFER", 16); err != nil {
		return cfg, err
	}
	if cfg.SagaMaxAttempts < 1 {
		return cfg, errors.New("SAGA_MAX_ATTEMPTS must be >= 1")
	}
	return cfg, nil
}

// LoadStore reads the saga store selection from env. Backend specific settings are only
// required for the selected backend.
func LoadStore() (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:       strings.ToLower(stringOr("STORE_BACKEND", BackendMemory)),
		MongoDatabase: stringOr("MONGO_DATABASE", "tripsaga"),
	}
	var err error
	switch cfg.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendMySQL:
		if cfg.DatabaseURL, err = requiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	case BackendMongo:
		if cfg.MongoURL, err = requiredString("MONGO_URL"); err != nil {
			return cfg, err
		}
		if cfg.MongoSagaTTL, err = durationOr("MONGO_SAGA_TTL", 0); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("STORE_BACKEND: unsupported backend %q", cfg.Backend)
	}
	return cfg, nil
}

// LoadDispatch reads the worker transport and dispatch reliability settings from env.
func LoadDispatch() (DispatchConfig, error) {
	cfg := DispatchConfig{
		Mode:           strings.ToLower(stringOr("DISPATCH_MODE", DispatchLocal)),
		AMQPExchange:   strings.TrimSpace(os.Getenv("AMQP_EXCHANGE")),
		AMQPReplyQueue: strings.TrimSpace(os.Getenv("AMQP_REPLY_QUEUE")),
		RoutesFile:     strings.TrimSpace(os.Getenv("WORKER_ROUTES_FILE")),
	}
	var err error
	switch cfg.Mode {
	case DispatchLocal:
		if cfg.LocalWorkerDelay, err = durationOr("LOCAL_WORKER_DELAY", 200*time.Millisecond); err != nil {
			return cfg, err
		}
	case DispatchAMQP:
		if cfg.AMQPURL, err = requiredString("AMQP_URL"); err != nil {
			return cfg, err
		}
		if cfg.AMQPPrefetch, err = intOr("AMQP_PREFETCH", 16); err != nil {
			return cfg, err
		}
	case DispatchHTTP:
		if cfg.RoutesFile == "" {
			return cfg, errors.New("WORKER_ROUTES_FILE is required for http dispatch")
		}
	default:
		return cfg, fmt.Errorf("DISPATCH_MODE: unsupported mode %q", cfg.Mode)
	}

	if cfg.Timeout, err = durationOr("DISPATCH_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = intOr("DISPATCH_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("DISPATCH_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("DISPATCH_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = intOr("DISPATCH_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = durationOr("DISPATCH_BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("DISPATCH_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("DISPATCH_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream: stringOr("REDIS_STREAM", "saga-transitions"),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.SagaTTL, err = durationOr("REDIS_SAGA_TTL", 0); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
