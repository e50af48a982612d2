// Package boot provides shared service bootstrap helpers for config, logging, Vault and NATS.
package boot

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	vault "github.com/hashicorp/vault/api"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
)

// Config holds bootstrap configuration read from environment variables.
type Config struct {
	BaseDir    string `envconfig:"UMPIRE_BASE_DIR,default=/var/lib/umpire"`
	ListenAddr string `envconfig:"UMPIRE_LISTEN_ADDR,default=:8080"`
	Digest     string `envconfig:"UMPIRE_DIGEST,default=md5"`

	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	Environment string `envconfig:"ENVIRONMENT,optional"`

	DatabaseURL string `envconfig:"DATABASE_URL,optional"`

	NATSEnabled     bool   `envconfig:"NATS_ENABLED,default=false"`
	NATSUrl         string `envconfig:"NATS_URL,default=tls://localhost:4222"`
	NATSRequireMTLS bool   `envconfig:"NATS_REQUIRE_MTLS,default=false"`

	VaultAddr     string `envconfig:"VAULT_ADDR,default=http://127.0.0.1:8201"`
	VaultToken    string `envconfig:"VAULT_TOKEN,optional"`
	VaultNKEYPath string `envconfig:"VAULT_NKEY_PATH,optional"`
	VaultTLSPath  string `envconfig:"VAULT_TLS_PATH,optional"`
}

// TLSMaterial holds PEM-encoded TLS certificate material fetched from Vault.
type TLSMaterial struct {
	Cert []byte
	Key  []byte
	CA   []byte
}

// vaultReader abstracts Vault read operations for testing.
type vaultReader interface {
	Read(path string) (*vault.Secret, error)
}

// LoadConfig reads bootstrap configuration from environment variables.
func LoadConfig(service string) (Config, error) {
	var cfg Config
	if err := envconfig.Init(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if cfg.VaultNKEYPath == "" {
		cfg.VaultNKEYPath = "secret/data/umpire/nats/" + service
	}
	if cfg.VaultTLSPath == "" {
		cfg.VaultTLSPath = "secret/data/umpire/tls/" + service
	}

	// Reject plaintext Vault in production
	if cfg.Environment == "production" && strings.HasPrefix(cfg.VaultAddr, "http://") {
		return Config{}, fmt.Errorf("vault: VAULT_ADDR uses plaintext HTTP (%s); HTTPS required in production", cfg.VaultAddr)
	}
	return cfg, nil
}

// SetupLogging configures the global logger for service.
func SetupLogging(service, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).
		Level(parseLevel(level)).
		With().Timestamp().Str("service", service).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	}
	return zerolog.InfoLevel
}

// newVaultClient creates a configured Vault client.
func newVaultClient(addr, token string) (*vault.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN is not set")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.SetToken(token)
	return client, nil
}

// FetchNATSSeed retrieves the NATS NKEY seed from Vault KV v2.
func FetchNATSSeed(addr, token, path string) (string, error) {
	client, err := newVaultClient(addr, token)
	if err != nil {
		return "", err
	}

	var seed string
	err = withRetry(func() error {
		var fetchErr error
		seed, fetchErr = fetchSeed(client.Logical(), path)
		return fetchErr
	})
	return seed, err
}

// FetchNATSTLS retrieves TLS client certificate material from Vault KV v2.
func FetchNATSTLS(addr, token, path string) (*TLSMaterial, error) {
	client, err := newVaultClient(addr, token)
	if err != nil {
		return nil, err
	}

	var mat *TLSMaterial
	err = withRetry(func() error {
		var fetchErr error
		mat, fetchErr = fetchTLS(client.Logical(), path)
		return fetchErr
	})
	return mat, err
}

func kvData(r vaultReader, path string) (map[string]interface{}, error) {
	secret, err := r.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// fetchSeed reads and parses the NKEY seed from a Vault KV v2 path.
func fetchSeed(r vaultReader, path string) (string, error) {
	data, err := kvData(r, path)
	if err != nil {
		return "", err
	}
	seed, ok := data["seed"].(string)
	if !ok || seed == "" {
		return "", fmt.Errorf("missing seed in %s", path)
	}
	return seed, nil
}

// fetchTLS reads and parses TLS certificate material from a Vault KV v2 path.
func fetchTLS(r vaultReader, path string) (*TLSMaterial, error) {
	data, err := kvData(r, path)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{}
	for _, name := range []string{"cert", "key", "ca"} {
		v, ok := data[name].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing %s in %s", name, path)
		}
		fields[name] = v
	}

	return &TLSMaterial{
		Cert: []byte(fields["cert"]),
		Key:  []byte(fields["key"]),
		CA:   []byte(fields["ca"]),
	}, nil
}

// ConnectNATS establishes a NATS connection using NKEY auth and mTLS.
func ConnectNATS(cfg Config, name, seed string, tlsMat *TLSMaterial) (*nats.Conn, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	opts := []nats.Option{
		nats.Nkey(pub, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}),
		nats.Name(name),
	}

	useTLS := strings.HasPrefix(cfg.NATSUrl, "tls://") || cfg.NATSRequireMTLS
	if useTLS {
		if tlsMat == nil {
			return nil, fmt.Errorf("TLS material is required for mTLS connection")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(tlsMat.CA) {
			return nil, fmt.Errorf("failed to parse CA certificate from Vault")
		}

		clientCert, err := tls.X509KeyPair(tlsMat.Cert, tlsMat.Key)
		if err != nil {
			return nil, fmt.Errorf("parse client certificate from Vault: %w", err)
		}

		tlsCfg := &tls.Config{
			RootCAs:      pool,
			Certificates: []tls.Certificate{clientCert},
			MinVersion:   tls.VersionTLS13,
		}
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return nc, nil
}

// DialNATS fetches credentials from Vault and connects to NATS as name.
func DialNATS(cfg Config, name string) (*nats.Conn, error) {
	seed, err := FetchNATSSeed(cfg.VaultAddr, cfg.VaultToken, cfg.VaultNKEYPath)
	if err != nil {
		return nil, fmt.Errorf("fetch nkey seed: %w", err)
	}
	var tlsMat *TLSMaterial
	if strings.HasPrefix(cfg.NATSUrl, "tls://") || cfg.NATSRequireMTLS {
		tlsMat, err = FetchNATSTLS(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTLSPath)
		if err != nil {
			return nil, fmt.Errorf("fetch tls material: %w", err)
		}
	}
	return ConnectNATS(cfg, name, seed, tlsMat)
}

// retryDelay is the base backoff between Vault attempts (1s, 2s, 4s).
var retryDelay = time.Second

// withRetry retries fn up to 3 times with exponential backoff.
func withRetry(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(4),
		retry.Delay(retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("vault: retrying")
		}),
	)
}
