package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultCallbackBodyLimit    = 64 << 10
	defaultCallbackRateLimit    = 120
	defaultCallbackRateWindow   = time.Minute
	defaultSecurityEnvironment  = "local"
	defaultPSPProvider          = "hmac"
	defaultPSPTimeout           = 10 * time.Second
	defaultCurrency             = "INR"
	defaultTaxRate              = "0.18"
	defaultReservationTTL       = 15 * time.Minute
	defaultSweepInterval        = time.Minute
	defaultSweepBatchSize       = 100
	defaultFinalisationGrace    = 2 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultPostgresMaxConns     = 10
	defaultMetricInterval       = 30 * time.Second
	defaultServiceName          = "checkout-api"

	// Backend selectors.
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendInProcess = "inproc"
	BackendPubSub    = "pubsub"
	BackendKafka     = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Kafka       KafkaConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Storage     StorageConfig
	Idempotency IdempotencyConfig
	Telemetry   TelemetryConfig
	Security    SecurityConfig
	Backends    BackendConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	CallbackBodyLimit int64
	// CallbackRateLimit caps callbacks per client address in each window. Zero disables it.
	CallbackRateLimit  int
	CallbackRateWindow time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the relational stock ledger.
type PostgresConfig struct {
	DSN      string
	MaxConns int
}

// RedisConfig configures the idempotency store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PubSubConfig names the topics events are published to.
type PubSubConfig struct {
	ProjectID         string
	StockTopic        string
	OrderTopic        string
	CartTopic         string
	StockSubscription string
}

// KafkaConfig configures the Kafka event bus.
type KafkaConfig struct {
	Brokers    []string
	StockTopic string
	OrderTopic string
	CartTopic  string
	GroupID    string
}

// PSPConfig collects gateway credentials.
type PSPConfig struct {
	DefaultProvider     string
	CurrencyRoutes      map[string]string
	Timeout             time.Duration
	GatewayBaseURL      string
	GatewayKeyID        string
	GatewayKeySecret    string
	GatewayWebhookKey   string
	StripeAPIKey        string
	StripeAccountID     string
	StripeWebhookSecret string
}

// CheckoutConfig holds pricing and reservation policy.
type CheckoutConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	FlatShipping          int64
	FreeShippingThreshold int64
	ReservationTTL        time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	FinalisationGrace     time.Duration
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	InvoiceBucket string
	InvoicePrefix string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// TelemetryConfig configures trace and metric export. An empty endpoint disables export.
type TelemetryConfig struct {
	ServiceName    string
	OTLPEndpoint   string
	Insecure       bool
	MetricInterval time.Duration
	LogLevel       string
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	// DevAuth trusts X-Debug-Buyer / X-Debug-Roles headers. Only honoured in the local environment.
	DevAuth bool
}

// BackendConfig selects the driver behind each port.
type BackendConfig struct {
	Documents   string
	Ledger      string
	Idempotency string
	Events      string
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

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
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

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers (e.g. "PSP.GatewayWebhookKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	taxRate, err := decimal.NewFromString(stringWithDefault(lookup, "API_CHECKOUT_TAX_RATE", defaultTaxRate))
	if err != nil {
		invalid = append(invalid, "Checkout.TaxRate")
	}

	cfg := Config{
		Server: ServerConfig{
			Port:               stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:        durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:       durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:        durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			CallbackBodyLimit:  int64(intWithDefault(lookup, "API_SERVER_CALLBACK_BODY_LIMIT", defaultCallbackBodyLimit)),
			CallbackRateLimit:  intWithDefault(lookup, "API_SERVER_CALLBACK_RATE_LIMIT", defaultCallbackRateLimit),
			CallbackRateWindow: durationWithDefault(lookup, "API_SERVER_CALLBACK_RATE_WINDOW", defaultCallbackRateWindow),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:      stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
			MaxConns: intWithDefault(lookup, "API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		PubSub: PubSubConfig{
			ProjectID:  stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			StockTopic: stringWithDefault(lookup, "API_PUBSUB_STOCK_TOPIC", "stock-events"),
			OrderTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", "order-events"),
			CartTopic:  stringWithDefault(lookup, "API_PUBSUB_CART_TOPIC", "cart-events"),
			// Each instance needs its own subscription to see every stock change.
			StockSubscription: stringWithDefault(lookup, "API_PUBSUB_STOCK_SUBSCRIPTION", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    csvWithDefault(lookup, "API_KAFKA_BROKERS"),
			StockTopic: stringWithDefault(lookup, "API_KAFKA_STOCK_TOPIC", "stock.events"),
			OrderTopic: stringWithDefault(lookup, "API_KAFKA_ORDER_TOPIC", "order.events"),
			CartTopic:  stringWithDefault(lookup, "API_KAFKA_CART_TOPIC", "cart.events"),
			GroupID:    stringWithDefault(lookup, "API_KAFKA_GROUP_ID", ""),
		},
		PSP: PSPConfig{
			DefaultProvider:     strings.ToLower(stringWithDefault(lookup, "API_PSP_DEFAULT_PROVIDER", defaultPSPProvider)),
			CurrencyRoutes:      mapWithDefault(lookup, "API_PSP_CURRENCY_ROUTES"),
			Timeout:             durationWithDefault(lookup, "API_PSP_TIMEOUT", defaultPSPTimeout),
			GatewayBaseURL:      stringWithDefault(lookup, "API_PSP_GATEWAY_BASE_URL", ""),
			GatewayKeyID:        stringWithDefault(lookup, "API_PSP_GATEWAY_KEY_ID", ""),
			GatewayKeySecret:    stringWithDefault(lookup, "API_PSP_GATEWAY_KEY_SECRET", ""),
			GatewayWebhookKey:   stringWithDefault(lookup, "API_PSP_GATEWAY_WEBHOOK_SECRET", ""),
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeAccountID:     stringWithDefault(lookup, "API_PSP_STRIPE_ACCOUNT_ID", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Checkout: CheckoutConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			TaxRate:               taxRate,
			FlatShipping:          int64(intWithDefault(lookup, "API_CHECKOUT_FLAT_SHIPPING", 0)),
			FreeShippingThreshold: int64(intWithDefault(lookup, "API_CHECKOUT_FREE_SHIPPING_THRESHOLD", 0)),
			ReservationTTL:        durationWithDefault(lookup, "API_CHECKOUT_RESERVATION_TTL", defaultReservationTTL),
			SweepInterval:         durationWithDefault(lookup, "API_CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:        intWithDefault(lookup, "API_CHECKOUT_SWEEP_BATCH", defaultSweepBatchSize),
			FinalisationGrace:     durationWithDefault(lookup, "API_CHECKOUT_FINALISATION_GRACE", defaultFinalisationGrace),
		},
		Storage: StorageConfig{
			InvoiceBucket: stringWithDefault(lookup, "API_STORAGE_INVOICE_BUCKET", ""),
			InvoicePrefix: stringWithDefault(lookup, "API_STORAGE_INVOICE_PREFIX", "invoices"),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    stringWithDefault(lookup, "API_TELEMETRY_SERVICE_NAME", defaultServiceName),
			OTLPEndpoint:   stringWithDefault(lookup, "API_TELEMETRY_OTLP_ENDPOINT", ""),
			Insecure:       boolWithDefault(lookup, "API_TELEMETRY_OTLP_INSECURE", false),
			MetricInterval: durationWithDefault(lookup, "API_TELEMETRY_METRIC_INTERVAL", defaultMetricInterval),
			LogLevel:       stringWithDefault(lookup, "LOG_LEVEL", "info"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			DevAuth:     boolWithDefault(lookup, "API_SECURITY_DEV_AUTH", false),
		},
		Backends: BackendConfig{
			Documents:   strings.ToLower(stringWithDefault(lookup, "API_BACKEND_DOCUMENTS", BackendMemory)),
			Ledger:      strings.ToLower(stringWithDefault(lookup, "API_BACKEND_LEDGER", "")),
			Idempotency: strings.ToLower(stringWithDefault(lookup, "API_BACKEND_IDEMPOTENCY", "")),
			Events:      strings.ToLower(stringWithDefault(lookup, "API_BACKEND_EVENTS", BackendInProcess)),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	// The ledger and idempotency store follow the document store unless overridden.
	if cfg.Backends.Ledger == "" {
		cfg.Backends.Ledger = cfg.Backends.Documents
	}
	if cfg.Backends.Idempotency == "" {
		cfg.Backends.Idempotency = cfg.Backends.Documents
	}
	if cfg.Security.Environment != defaultSecurityEnvironment {
		cfg.Security.DevAuth = false
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.GatewayKeySecret", &cfg.PSP.GatewayKeySecret},
		{"PSP.GatewayWebhookKey", &cfg.PSP.GatewayWebhookKey},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.CallbackBodyLimit <= 0 {
		missing = append(missing, "Server.CallbackBodyLimit")
	}

	switch cfg.Backends.Documents {
	case BackendMemory:
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Backends.Documents")
	}
	switch cfg.Backends.Ledger {
	case BackendMemory, BackendFirestore:
		if cfg.Backends.Ledger == BackendFirestore && cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
	default:
		missing = append(missing, "Backends.Ledger")
	}
	switch cfg.Backends.Idempotency {
	case BackendMemory, BackendFirestore:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Backends.Idempotency")
	}
	switch cfg.Backends.Events {
	case BackendInProcess:
	case BackendPubSub:
		if cfg.PubSub.ProjectID == "" {
			missing = append(missing, "PubSub.ProjectID")
		}
	case BackendKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			missing = append(missing, "Kafka.Brokers")
		}
	default:
		missing = append(missing, "Backends.Events")
	}

	switch cfg.PSP.DefaultProvider {
	case "hmac":
		if cfg.PSP.GatewayWebhookKey == "" {
			missing = append(missing, "PSP.GatewayWebhookKey")
		}
	case "stripe":
		if cfg.PSP.StripeAPIKey == "" {
			missing = append(missing, "PSP.StripeAPIKey")
		}
	default:
		missing = append(missing, "PSP.DefaultProvider")
	}

	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Checkout.TaxRate.IsNegative() {
		missing = append(missing, "Checkout.TaxRate")
	}
	if cfg.Checkout.FlatShipping < 0 || cfg.Checkout.FreeShippingThreshold < 0 {
		missing = append(missing, "Checkout.Shipping")
	}
	if cfg.Checkout.ReservationTTL <= 0 {
		missing = append(missing, "Checkout.ReservationTTL")
	}
	if cfg.Checkout.SweepInterval <= 0 {
		missing = append(missing, "Checkout.SweepInterval")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) != "" {
			continue
		}
		missing = append(missing, missingSecret{name: trimmed, redacted: redactSecretName(trimmed)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv reads path with godotenv. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
