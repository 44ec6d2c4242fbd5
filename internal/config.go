package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/memvault/internal/envelope"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Local storage backends.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Identity  IdentityConfig    `yaml:"identity"`
	Remote    RemoteConfig      `yaml:"remote"`
	Local     LocalConfig       `yaml:"local"`
	Crypto    CryptoConfig      `yaml:"crypto"`
	Retrieval RetrievalConfig   `yaml:"retrieval"`
	Stats     StatsConfig       `yaml:"stats"`
	Explorer  ExplorerConfig    `yaml:"explorer"`
	Auth      AuthConfig        `yaml:"auth"`
	DevStore  DevStoreConfig    `yaml:"devstore"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"identity", &c.Identity},
		{"remote", &c.Remote},
		{"local", &c.Local},
		{"crypto", &c.Crypto},
		{"retrieval", &c.Retrieval},
		{"stats", &c.Stats},
		{"auth", &c.Auth},
		{"devstore", &c.DevStore},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// IdentityConfig names the owner identity records are written and listed
// under. Signing happens outside this process.
type IdentityConfig struct {
	Owner string `yaml:"owner"`
}

// Validate validates the identity configuration.
func (c *IdentityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Owner, validation.Required),
	)
}

// RemoteConfig holds the entity store RPC settings. Endpoints are tried in
// order on transport failures.
type RemoteConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	EntityTTL time.Duration `yaml:"entity_ttl"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoints, validation.Required, validation.Each(validation.Required, is.URL)),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.EntityTTL, validation.Min(time.Duration(0))),
	)
}

// LocalConfig selects where the local key index is persisted.
type LocalConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// Watch reloads the key index when another process rewrites it. Only
	// the fs backend supports it.
	Watch bool `yaml:"watch"`
}

// Validate validates the local storage configuration.
func (c *LocalConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendFS
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendFS, BackendSQLite)),
		validation.Field(&c.Path, validation.Required),
	); err != nil {
		return err
	}
	if c.Watch && c.Backend != BackendFS {
		return fmt.Errorf("watch requires the %q backend", BackendFS)
	}
	return nil
}

// CryptoConfig holds encryption settings. An empty MasterSecret starts the
// vault locked.
type CryptoConfig struct {
	MasterSecret     string `yaml:"master_secret"`
	KDFIterations    int    `yaml:"kdf_iterations"`
	MissingKeyPolicy string `yaml:"missing_key_policy"`
}

// Validate validates the crypto configuration.
func (c *CryptoConfig) Validate() error {
	if c.MissingKeyPolicy == "" {
		c.MissingKeyPolicy = string(envelope.PolicyError)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.KDFIterations, validation.Required, validation.Min(1000)),
		validation.Field(&c.MissingKeyPolicy, validation.In(string(envelope.PolicyError), string(envelope.PolicySessionKey))),
	)
}

// RetrievalConfig tunes the entity store adapter.
type RetrievalConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	PageSize         int           `yaml:"page_size"`
	DefaultLimit     int           `yaml:"default_limit"`
	CacheSize        int64         `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Validate validates the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.DefaultLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.CacheSize, validation.Min(int64(0))),
		validation.Field(&c.CacheTTL, validation.Min(time.Duration(0))),
	)
}

// StatsConfig tunes storage estimates.
type StatsConfig struct {
	SampleSize int `yaml:"sample_size"`
}

// Validate validates the stats configuration.
func (c *StatsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SampleSize, validation.Required, validation.Min(1)),
	)
}

// ExplorerConfig holds link templates for written records. "{key}" and
// "{hash}" are substituted.
type ExplorerConfig struct {
	EntityURLTemplate string `yaml:"entity_url_template"`
	TxURLTemplate     string `yaml:"tx_url_template"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// DevStoreConfig configures the development entity store server.
type DevStoreConfig struct {
	Port             int           `yaml:"port"`
	SQLitePath       string        `yaml:"sqlite_path"`
	OmitListPayloads bool          `yaml:"omit_list_payloads"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
}

// Address returns the devstore listen address.
func (c *DevStoreConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the devstore configuration.
func (c *DevStoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.SQLitePath, validation.Required),
		validation.Field(&c.DefaultTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.PurgeInterval, validation.Required, validation.Min(time.Second)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Remote: RemoteConfig{
			Endpoints: []string{"http://localhost:8545/rpc"},
			Timeout:   15 * time.Second,
		},
		Local: LocalConfig{
			Backend: BackendFS,
			Path:    "./data",
		},
		Crypto: CryptoConfig{
			KDFIterations:    envelope.DefaultIterations,
			MissingKeyPolicy: string(envelope.PolicyError),
		},
		Retrieval: RetrievalConfig{
			FailureThreshold: 5,
			PageSize:         100,
			DefaultLimit:     50,
			CacheSize:        32 << 20,
			CacheTTL:         10 * time.Minute,
		},
		Stats: StatsConfig{
			SampleSize: 20,
		},
		Explorer: ExplorerConfig{
			EntityURLTemplate: "{key}",
			TxURLTemplate:     "{hash}",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		DevStore: DevStoreConfig{
			Port:          8545,
			SQLitePath:    "./devstore.db",
			PurgeInterval: time.Minute,
		},
	}
}
