// Package config loads the log server configuration from a YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zetapush/zetapush-log-server/internal/pkg/security"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "LOGSERVER_CONFIG"

// Config is the top-level configuration of the log server.
type Config struct {
	Platform   PlatformConfig   `yaml:"platform"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	HTTP       HTTPConfig       `yaml:"http"`
	Export     ExportConfig     `yaml:"export"`
	Log        LogConfig        `yaml:"log"`
	Security   SecurityConfig   `yaml:"security"`
}

// PlatformConfig locates the sandbox and the developer account.
type PlatformConfig struct {
	// APIURL is the platform base URL, e.g. "https://api.zpush.io".
	APIURL    string `yaml:"api_url"`
	SandboxID string `yaml:"sandbox_id"`
	Username  string `yaml:"username"`
	// Password may be an "enc:" value.
	Password string `yaml:"password"`
	// DebugMethod is the HTTP method of the debug-enable call.
	DebugMethod string `yaml:"debug_method"`
}

// RealtimeConfig tunes the Bayeux client.
type RealtimeConfig struct {
	Path            string        `yaml:"path"`
	Resource        string        `yaml:"resource"`
	BackoffMin      time.Duration `yaml:"backoff_min"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`
}

// TimeoutsConfig bounds outbound calls.
type TimeoutsConfig struct {
	Request time.Duration `yaml:"request"`
}

type PipelineConfig struct {
	// DiscoveryInterval re-lists services periodically. Zero disables.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

type AggregatorConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
}

// HTTPConfig configures the dashboard API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// WebDir, if set, is served at "/".
	WebDir string `yaml:"web_dir"`
	// Users may log in to the API. No users means the API is open.
	Users      []UserConfig  `yaml:"users"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	Gzip       bool          `yaml:"gzip"`
}

type UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash"`
}

type ExportConfig struct {
	// Level is the zstd level: fastest, default, better or best.
	Level string `yaml:"level"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type SecurityConfig struct {
	MasterKeyPath string `yaml:"master_key_path"`
}

// Default returns the configuration used for every unset value.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			APIURL:      "https://api.zpush.io",
			DebugMethod: "POST",
		},
		Realtime: RealtimeConfig{
			Path:            "/strd",
			Resource:        "zetapush-log-server",
			BackoffMin:      500 * time.Millisecond,
			BackoffMax:      30 * time.Second,
			LongPollTimeout: 60 * time.Second,
		},
		Timeouts:   TimeoutsConfig{Request: 5 * time.Second},
		Aggregator: AggregatorConfig{SubscriberBuffer: 16, StatsInterval: time.Second},
		HTTP: HTTPConfig{
			Listen:     ":5000",
			SessionTTL: 24 * time.Hour,
			Gzip:       true,
		},
		Export: ExportConfig{Level: "default"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Security: SecurityConfig{
			MasterKeyPath: ".logserver.key",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	config.ApplyEnv(os.LookupEnv)
	return &config, nil
}

// ApplyEnv overrides values from LOGSERVER_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LOGSERVER_API_URL", &c.Platform.APIURL)
	str("LOGSERVER_SANDBOX_ID", &c.Platform.SandboxID)
	str("LOGSERVER_USERNAME", &c.Platform.Username)
	str("LOGSERVER_PASSWORD", &c.Platform.Password)
	str("LOGSERVER_LISTEN", &c.HTTP.Listen)
	str("LOGSERVER_LOG_LEVEL", &c.Log.Level)
	str("LOGSERVER_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("LOGSERVER_DISCOVERY_INTERVAL"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			c.Pipeline.DiscoveryInterval = d
		}
	}
	if v, ok := lookup("LOGSERVER_HTTP_GZIP"); ok {
		c.HTTP.Gzip = envBool(v, c.HTTP.Gzip)
	}
}

func envBool(raw string, fallback bool) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Platform.APIURL == "" {
		errs = append(errs, errors.New("platform.api_url is required"))
	}
	if c.Platform.SandboxID == "" {
		errs = append(errs, errors.New("platform.sandbox_id is required"))
	}
	if c.Platform.Username == "" {
		errs = append(errs, errors.New("platform.username is required"))
	}
	if c.Platform.Password == "" {
		errs = append(errs, errors.New("platform.password is required"))
	}
	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required"))
	}
	if c.Timeouts.Request <= 0 {
		errs = append(errs, errors.New("timeouts.request must be positive"))
	}
	if c.Pipeline.DiscoveryInterval < 0 {
		errs = append(errs, errors.New("pipeline.discovery_interval must not be negative"))
	}
	for i, u := range c.HTTP.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("http.users[%d] needs username and password_hash", i))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// HasSecrets reports whether any value needs the master key.
func (c *Config) HasSecrets() bool {
	return security.IsEncrypted(c.Platform.Password)
}

// DecryptSecrets replaces every "enc:" value with its plaintext.
func (c *Config) DecryptSecrets(cipher *security.Cipher) error {
	plain, err := cipher.DecryptString(c.Platform.Password)
	if err != nil {
		return fmt.Errorf("platform.password: %w", err)
	}
	c.Platform.Password = plain
	return nil
}
