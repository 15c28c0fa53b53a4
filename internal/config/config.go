package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete agent configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Vault     VaultConfig     `yaml:"vault" envconfig:"VAULT"`
	Update    UpdateConfig    `yaml:"update" envconfig:"UPDATE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8632"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout" envconfig:"REFRESH_TIMEOUT" default:"2m"`
}

// LicensingConfig contains license validation and distribution configuration
type LicensingConfig struct {
	// SourceURL is the base URL of the authenticated license artifact
	// endpoint. Artifacts live under {SourceURL}/{fingerprint}/.
	SourceURL string `yaml:"source_url" envconfig:"SOURCE_URL"`
	// SourceToken authenticates artifact downloads (Bearer).
	SourceToken string `yaml:"source_token" envconfig:"SOURCE_TOKEN"`
	// ArtifactKey is the hex-encoded 32-byte key that seals license.dat.
	// Empty selects the built-in distribution key.
	ArtifactKey     string        `yaml:"artifact_key" envconfig:"ARTIFACT_KEY"`
	RefreshInterval time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL" default:"12h"`
	RefreshEnabled  bool          `yaml:"refresh_enabled" envconfig:"REFRESH_ENABLED" default:"true"`
	// RequireOnline makes a periodic successful refresh mandatory; offline
	// operation is then bounded by GracePeriod.
	RequireOnline bool          `yaml:"require_online" envconfig:"REQUIRE_ONLINE" default:"false"`
	GracePeriod   time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"72h"`
	// PinnedCerts maps artifact source hostnames to SPKI pin sets.
	// Empty means regular chain validation only.
	PinnedCerts map[string][]string `yaml:"pinned_certs" envconfig:"-"`
	// CacheTTL bounds how long a validation verdict is reused before the
	// artifacts are re-read.
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
}

// VaultConfig contains credential vault configuration
type VaultConfig struct {
	// KeyFile overrides the default vault key location. Empty uses the
	// per-user data directory.
	KeyFile string `yaml:"key_file" envconfig:"KEY_FILE"`
}

// UpdateConfig contains self-update configuration
type UpdateConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	ManifestURL string `yaml:"manifest_url" envconfig:"MANIFEST_URL"`
	// VerifyKey is the hex-encoded CBOR COSE public key that release
	// manifests must be signed with. Empty accepts unsigned manifests.
	VerifyKey     string        `yaml:"verify_key" envconfig:"VERIFY_KEY"`
	CheckInterval time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" default:"24h"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8632"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"25"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// Load loads configuration from .env, a YAML file and environment variables.
// Precedence: environment > YAML file > built-in defaults.
func Load() (*Config, error) {
	// .env is optional; it mirrors how operators ship source tokens
	_ = godotenv.Load()

	var cfg Config

	// YAML overlay first so envconfig only fills fields the file left zero
	configFile := getConfigFilePath()
	if configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("TSAGENT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolvePaths fills path-dependent defaults from the per-user data directory
func (c *Config) resolvePaths() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = paths.GetLogPath("agent.log")
	}
	if c.Vault.KeyFile == "" {
		c.Vault.KeyFile = paths.VaultKeyFile
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Licensing.CacheTTL < 0 {
		return fmt.Errorf("licensing cache TTL must not be negative")
	}

	if c.Licensing.GracePeriod <= 0 {
		return fmt.Errorf("licensing grace period must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	// Log shipping expects JSON on disk, so the format is pinned
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "stdout" {
		c.Logging.Output = "both"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	// Explicit override wins
	if path := os.Getenv("TSAGENT_CONFIG_FILE"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	if paths, err := GetPaths(); err == nil {
		locations = append(locations, paths.GetBasePath("config.yaml"))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8632,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RefreshTimeout:  2 * time.Minute,
		},
		Licensing: LicensingConfig{
			RefreshInterval: 12 * time.Hour,
			RefreshEnabled:  true,
			RequireOnline:   false,
			GracePeriod:     72 * time.Hour,
			CacheTTL:        5 * time.Minute,
		},
		Update: UpdateConfig{
			Enabled:       true,
			CheckInterval: 24 * time.Hour,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8632"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   25,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "both",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
