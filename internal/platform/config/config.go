package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultEnvironment  = "local"

	defaultStorageDriver   = "firestore"
	defaultMessagingDriver = "pubsub"

	defaultTokenTTL             = 30 * time.Minute
	defaultTokenCleanupInterval = 5 * time.Minute
	defaultTokenCleanupBatch    = 200
	defaultSchedulerCapacity    = 16
	defaultCloseDelay           = 30 * time.Minute
	defaultSourceChannel        = "app"

	defaultPubSubTopic        = "order-deferred-close"
	defaultPubSubSubscription = "order-deferred-close-worker"
	defaultAMQPExchange       = "order.exchange"
	defaultAMQPRoutingKey     = "order.create"
	defaultAMQPDelayQueue     = "order.delay.queue"
	defaultAMQPCloseQueue     = "order.close.queue"
	defaultAMQPCloseKey       = "order.close"
	defaultKafkaTopic         = "order.delay"
	defaultKafkaGroupID       = "oms-deferred-close"

	defaultOIDCJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer      = "https://accounts.google.com"
	defaultOIDCIssuerShort = "accounts.google.com"
	defaultServiceName     = "oms"
)

var errSecretResolverNotConfigured = errors.New("config: secret resolver not configured")

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Storage   StorageConfig
	Tokens    TokenConfig
	Scheduler SchedulerConfig
	Orders    OrderConfig
	Messaging MessagingConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used to verify member ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the relational order store.
type PostgresConfig struct {
	DSN      string
	MaxConns int
}

// StorageConfig selects where orders are persisted ("firestore" or "postgres").
type StorageConfig struct {
	Driver string
}

// TokenConfig controls submission token expiry and reaping.
type TokenConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	CleanupBatch    int
}

// SchedulerConfig bounds concurrent confirmation fetches across all requests.
type SchedulerConfig struct {
	Capacity int
}

// OrderConfig holds order submission defaults.
type OrderConfig struct {
	CloseDelay    time.Duration
	SourceChannel string
}

// MessagingConfig selects and configures the deferred close channel.
type MessagingConfig struct {
	Driver string
	PubSub PubSubConfig
	AMQP   AMQPConfig
	Kafka  KafkaConfig
}

// PubSubConfig names the topic and pull subscription for deferred close messages.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	Subscription string
	// Pull runs the in-process subscriber. When false, deliveries arrive through the push endpoint.
	Pull bool
}

// AMQPConfig describes the exchange, delay queue and dead-letter close queue.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	DelayQueue string
	CloseQueue string
	CloseKey   string
}

// KafkaConfig lists brokers and the delay topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification on internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: missing or invalid fields: %s", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over system variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.LookupEnv.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// EnvironmentValues returns the effective environment map (dotenv < OS env < explicit map),
// letting callers build dependencies such as the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables,
// and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "OMS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "OMS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "OMS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "OMS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "OMS_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "OMS_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "OMS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "OMS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "OMS_POSTGRES_DSN", ""),
			MaxConns: intWithDefault(lookup, "OMS_POSTGRES_MAX_CONNS", 10),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "OMS_STORAGE_DRIVER", defaultStorageDriver)),
		},
		Tokens: TokenConfig{
			TTL:             durationWithDefault(lookup, "OMS_TOKENS_TTL", defaultTokenTTL),
			CleanupInterval: durationWithDefault(lookup, "OMS_TOKENS_CLEANUP_INTERVAL", defaultTokenCleanupInterval),
			CleanupBatch:    intWithDefault(lookup, "OMS_TOKENS_CLEANUP_BATCH", defaultTokenCleanupBatch),
		},
		Scheduler: SchedulerConfig{
			Capacity: intWithDefault(lookup, "OMS_SCHEDULER_CAPACITY", defaultSchedulerCapacity),
		},
		Orders: OrderConfig{
			CloseDelay:    durationWithDefault(lookup, "OMS_ORDERS_CLOSE_DELAY", defaultCloseDelay),
			SourceChannel: strings.ToLower(stringWithDefault(lookup, "OMS_ORDERS_SOURCE_CHANNEL", defaultSourceChannel)),
		},
		Messaging: MessagingConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "OMS_MESSAGING_DRIVER", defaultMessagingDriver)),
			PubSub: PubSubConfig{
				ProjectID:    stringWithDefault(lookup, "OMS_PUBSUB_PROJECT_ID", ""),
				Topic:        stringWithDefault(lookup, "OMS_PUBSUB_TOPIC", defaultPubSubTopic),
				Subscription: stringWithDefault(lookup, "OMS_PUBSUB_SUBSCRIPTION", defaultPubSubSubscription),
				Pull:         boolWithDefault(lookup, "OMS_PUBSUB_PULL", true),
			},
			AMQP: AMQPConfig{
				URL:        stringWithDefault(lookup, "OMS_AMQP_URL", ""),
				Exchange:   stringWithDefault(lookup, "OMS_AMQP_EXCHANGE", defaultAMQPExchange),
				RoutingKey: stringWithDefault(lookup, "OMS_AMQP_ROUTING_KEY", defaultAMQPRoutingKey),
				DelayQueue: stringWithDefault(lookup, "OMS_AMQP_DELAY_QUEUE", defaultAMQPDelayQueue),
				CloseQueue: stringWithDefault(lookup, "OMS_AMQP_CLOSE_QUEUE", defaultAMQPCloseQueue),
				CloseKey:   stringWithDefault(lookup, "OMS_AMQP_CLOSE_ROUTING_KEY", defaultAMQPCloseKey),
			},
			Kafka: KafkaConfig{
				Brokers: csvWithDefault(lookup, "OMS_KAFKA_BROKERS"),
				Topic:   stringWithDefault(lookup, "OMS_KAFKA_TOPIC", defaultKafkaTopic),
				GroupID: stringWithDefault(lookup, "OMS_KAFKA_GROUP_ID", defaultKafkaGroupID),
			},
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "OMS_SECURITY_ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "OMS_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "OMS_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "OMS_SECURITY_OIDC_ISSUERS"),
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName:  stringWithDefault(lookup, "OMS_TELEMETRY_SERVICE_NAME", defaultServiceName),
			OTLPEndpoint: stringWithDefault(lookup, "OMS_TELEMETRY_OTLP_ENDPOINT", ""),
			Insecure:     boolWithDefault(lookup, "OMS_TELEMETRY_OTLP_INSECURE", false),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Messaging.PubSub.ProjectID == "" {
		cfg.Messaging.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer, defaultOIDCIssuerShort}
	}

	secretFields := []*string{
		&cfg.Postgres.DSN,
		&cfg.Messaging.AMQP.URL,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Firestore.ProjectID")
	}
	switch cfg.Storage.Driver {
	case "firestore":
	case "postgres":
		if cfg.Postgres.DSN == "" {
			invalid = append(invalid, "Postgres.DSN")
		}
	default:
		invalid = append(invalid, "Storage.Driver")
	}
	if cfg.Tokens.TTL <= 0 {
		invalid = append(invalid, "Tokens.TTL")
	}
	if cfg.Tokens.CleanupInterval < 0 {
		invalid = append(invalid, "Tokens.CleanupInterval")
	}
	if cfg.Tokens.CleanupBatch <= 0 {
		invalid = append(invalid, "Tokens.CleanupBatch")
	}
	if cfg.Scheduler.Capacity <= 0 {
		invalid = append(invalid, "Scheduler.Capacity")
	}
	if cfg.Orders.CloseDelay <= 0 {
		invalid = append(invalid, "Orders.CloseDelay")
	}
	if strings.TrimSpace(cfg.Orders.SourceChannel) == "" {
		invalid = append(invalid, "Orders.SourceChannel")
	}
	switch cfg.Messaging.Driver {
	case "pubsub":
		if cfg.Messaging.PubSub.Topic == "" {
			invalid = append(invalid, "Messaging.PubSub.Topic")
		}
		if cfg.Messaging.PubSub.Pull && cfg.Messaging.PubSub.Subscription == "" {
			invalid = append(invalid, "Messaging.PubSub.Subscription")
		}
	case "amqp":
		if cfg.Messaging.AMQP.URL == "" {
			invalid = append(invalid, "Messaging.AMQP.URL")
		}
		if cfg.Messaging.AMQP.Exchange == "" {
			invalid = append(invalid, "Messaging.AMQP.Exchange")
		}
	case "kafka":
		if len(cfg.Messaging.Kafka.Brokers) == 0 {
			invalid = append(invalid, "Messaging.Kafka.Brokers")
		}
		if cfg.Messaging.Kafka.Topic == "" {
			invalid = append(invalid, "Messaging.Kafka.Topic")
		}
	default:
		invalid = append(invalid, "Messaging.Driver")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
