package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":        "hf-dev",
		"API_PSP_GATEWAY_WEBHOOK_SECRET": "whsec",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "hf-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "hf-dev" {
		t.Errorf("expected pubsub project to follow firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Backends.Documents != BackendMemory || cfg.Backends.Ledger != BackendMemory || cfg.Backends.Idempotency != BackendMemory {
		t.Errorf("expected memory backends by default, got %+v", cfg.Backends)
	}
	if cfg.Backends.Events != BackendInProcess {
		t.Errorf("expected in-process events by default, got %s", cfg.Backends.Events)
	}
	if cfg.Checkout.Currency != "INR" || cfg.Checkout.TaxRate.String() != "0.18" {
		t.Errorf("unexpected pricing defaults %s/%s", cfg.Checkout.Currency, cfg.Checkout.TaxRate)
	}
	if cfg.Checkout.ReservationTTL != 15*time.Minute {
		t.Errorf("unexpected reservation ttl: %s", cfg.Checkout.ReservationTTL)
	}
	if cfg.Checkout.FinalisationGrace != defaultFinalisationGrace {
		t.Errorf("unexpected finalisation grace: %s", cfg.Checkout.FinalisationGrace)
	}
	if cfg.PSP.DefaultProvider != "hmac" {
		t.Errorf("expected hmac provider, got %s", cfg.PSP.DefaultProvider)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("expected no brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
	if cfg.Telemetry.ServiceName != defaultServiceName || cfg.Telemetry.OTLPEndpoint != "" {
		t.Errorf("unexpected telemetry defaults %+v", cfg.Telemetry)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                      "9090",
		"API_SERVER_IDLE_TIMEOUT":              "2m",
		"API_FIREBASE_PROJECT_ID":              "hf-prod",
		"API_FIRESTORE_PROJECT_ID":             "hf-fire",
		"API_BACKEND_DOCUMENTS":                "firestore",
		"API_BACKEND_LEDGER":                   "postgres",
		"API_BACKEND_IDEMPOTENCY":              "redis",
		"API_BACKEND_EVENTS":                   "kafka",
		"API_POSTGRES_DSN":                     "secret://pg/dsn",
		"API_REDIS_ADDR":                       "redis:6379",
		"API_REDIS_PASSWORD":                   "sm://redis/password",
		"API_KAFKA_BROKERS":                    "k1:9092, k2:9092",
		"API_PSP_DEFAULT_PROVIDER":             "Stripe",
		"API_PSP_STRIPE_API_KEY":               "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":        "secret://stripe/webhook",
		"API_PSP_CURRENCY_ROUTES":              "inr=hmac, jpy=stripe",
		"API_CHECKOUT_CURRENCY":                "jpy",
		"API_CHECKOUT_TAX_RATE":                "0.1",
		"API_CHECKOUT_FLAT_SHIPPING":           "500",
		"API_CHECKOUT_FREE_SHIPPING_THRESHOLD": "10000",
		"API_CHECKOUT_RESERVATION_TTL":         "10m",
		"API_SECURITY_ENVIRONMENT":             "prod",
		"API_SECURITY_DEV_AUTH":                "true",
		"API_TELEMETRY_OTLP_ENDPOINT":          "collector:4318",
		"API_TELEMETRY_OTLP_INSECURE":          "yes",
		"API_IDEMPOTENCY_HEADER":               "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                  "48h",
	}

	secrets := map[string]string{
		"secret://pg/dsn":         "postgres://u:p@db/checkout",
		"secret://redis/password": "redis-pass",
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Firestore.ProjectID != "hf-fire" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Postgres.DSN != "postgres://u:p@db/checkout" {
		t.Errorf("expected resolved dsn, got %s", cfg.Postgres.DSN)
	}
	if cfg.Redis.Password != "redis-pass" {
		t.Errorf("expected sm:// reference to resolve, got %s", cfg.Redis.Password)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.PSP.DefaultProvider != "stripe" || cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("unexpected psp config %+v", cfg.PSP)
	}
	if cfg.PSP.CurrencyRoutes["JPY"] != "stripe" || cfg.PSP.CurrencyRoutes["INR"] != "hmac" {
		t.Errorf("unexpected currency routes %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.Checkout.Currency != "JPY" || cfg.Checkout.TaxRate.String() != "0.1" {
		t.Errorf("unexpected pricing %s/%s", cfg.Checkout.Currency, cfg.Checkout.TaxRate)
	}
	if cfg.Checkout.FlatShipping != 500 || cfg.Checkout.FreeShippingThreshold != 10000 {
		t.Errorf("unexpected shipping %d/%d", cfg.Checkout.FlatShipping, cfg.Checkout.FreeShippingThreshold)
	}
	if cfg.Checkout.ReservationTTL != 10*time.Minute {
		t.Errorf("unexpected reservation ttl %s", cfg.Checkout.ReservationTTL)
	}
	if cfg.Security.DevAuth {
		t.Errorf("dev auth must be ignored outside local environment")
	}
	if !cfg.Telemetry.Insecure || cfg.Telemetry.OTLPEndpoint != "collector:4318" {
		t.Errorf("unexpected telemetry %+v", cfg.Telemetry)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency %+v", cfg.Idempotency)
	}
}

func TestLoadValidationFollowsBackends(t *testing.T) {
	env := map[string]string{
		"API_BACKEND_DOCUMENTS":    "firestore",
		"API_BACKEND_LEDGER":       "postgres",
		"API_BACKEND_IDEMPOTENCY":  "redis",
		"API_BACKEND_EVENTS":       "kafka",
		"API_CHECKOUT_TAX_RATE":    "abc",
		"API_PSP_DEFAULT_PROVIDER": "hmac",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]bool{
		"Checkout.TaxRate":      true,
		"Firestore.ProjectID":   true,
		"Postgres.DSN":          true,
		"Redis.Addr":            true,
		"Kafka.Brokers":         true,
		"PSP.GatewayWebhookKey": true,
	}
	for _, field := range validation.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("expected fields missing from validation error: %v (got %v)", want, validation.Fields())
	}
}

func TestLoadFailsOnUnresolvedSecret(t *testing.T) {
	env := map[string]string{
		"API_PSP_GATEWAY_WEBHOOK_SECRET": "secret://gateway/webhook",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://gateway/webhook" {
		t.Fatalf("unexpected ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured cause, got %v", err)
	}
}

func TestLoadRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_PSP_GATEWAY_WEBHOOK_SECRET": "whsec",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("PSP.GatewayWebhookKey", "PSP.GatewayKeySecret", "PSP.GatewayKeySecret"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	names := missing.Names()
	if len(names) != 1 || names[0] != "PSP.GatewayKeySecret" {
		t.Fatalf("unexpected missing secrets %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == names[0] {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadReadsDotEnvWithLowerPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nAPI_SERVER_PORT=7070\nAPI_CHECKOUT_CURRENCY=\"usd\"\nAPI_PSP_GATEWAY_WEBHOOK_SECRET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"API_SERVER_PORT": "6060",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to win over .env, got %s", cfg.Server.Port)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Errorf("expected currency from .env, got %s", cfg.Checkout.Currency)
	}
	if cfg.PSP.GatewayWebhookKey != "from-file" {
		t.Errorf("expected webhook key from .env, got %s", cfg.PSP.GatewayWebhookKey)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("environment values: %v", err)
	}
	if values["API_SERVER_PORT"] != "7070" {
		t.Errorf("expected raw .env value, got %s", values["API_SERVER_PORT"])
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_PSP_GATEWAY_WEBHOOK_SECRET": "whsec"}))
	if err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
