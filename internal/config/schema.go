package config

import "time"

// Config holds bookmarkd configuration.
// Stored at: ~/.bookmarkd/config.yaml
type Config struct {
	Server     ServerCfg            `mapstructure:"server" yaml:"server"`
	Clients    map[string]ClientCfg `mapstructure:"clients" yaml:"clients"`
	Reconciler ReconcilerCfg        `mapstructure:"reconciler" yaml:"reconciler"`
	Translator TranslatorCfg        `mapstructure:"translator" yaml:"translator"`
	Jobs       JobsCfg              `mapstructure:"jobs" yaml:"jobs"`
	Log        LogCfg               `mapstructure:"log" yaml:"log"`
}

// ServerCfg configures the progress protocol server.
type ServerCfg struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Users maps sync usernames to their key digests for header auth.
	Users map[string]string `mapstructure:"users" yaml:"users"`
}

// ClientCfg configures one external sync service.
type ClientCfg struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Token is a bearer token; APIKey/Username are the header-auth pair.
	// Values support ${ENV_VAR} syntax.
	Token    string `mapstructure:"token" yaml:"token"`
	Username string `mapstructure:"username" yaml:"username"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`

	// Threshold is the minimum percentage delta this service must move
	// before it participates in a cycle.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`

	// PollInterval is how often the service is polled for movement.
	// Zero disables polling.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Timeout bounds each HTTP call to the service.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ReconcilerCfg tunes the reconciliation engine.
type ReconcilerCfg struct {
	// SpreadThreshold is the minimum disagreement across clients for a
	// cycle to produce writes.
	SpreadThreshold float64 `mapstructure:"spread_threshold" yaml:"spread_threshold"`

	// PositionPreference is "locator" or "raw".
	PositionPreference string `mapstructure:"position_preference" yaml:"position_preference"`

	// DebounceWindow is how long change notifications for a book are
	// coalesced before a cycle fires.
	DebounceWindow time.Duration `mapstructure:"debounce_window" yaml:"debounce_window"`

	// SuppressionWindow is how long the engine's own writes are recognized
	// when they echo back from pollers.
	SuppressionWindow time.Duration `mapstructure:"suppression_window" yaml:"suppression_window"`

	// EchoTolerance is the maximum distance between an echoed position and
	// the recorded write for the echo to be suppressed.
	EchoTolerance float64 `mapstructure:"echo_tolerance" yaml:"echo_tolerance"`

	// FinishedAt is the percentage at which a book counts as finished.
	FinishedAt float64 `mapstructure:"finished_at" yaml:"finished_at"`
}

// TranslatorCfg tunes position translation and anchoring.
type TranslatorCfg struct {
	// WindowSize is the canonical text window length in characters.
	WindowSize int `mapstructure:"window_size" yaml:"window_size"`

	// FuzzyCutoff is the minimum partial-ratio score (0-100) for a fuzzy
	// anchor to be accepted.
	FuzzyCutoff int `mapstructure:"fuzzy_cutoff" yaml:"fuzzy_cutoff"`

	// CacheSize is how many parsed content models are kept in memory.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// JobsCfg tunes background job retry behavior.
type JobsCfg struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
}

// LogCfg configures logging.
type LogCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// Client service names. These key the clients map and double as the
// leader-priority order.
const (
	ClientAudioServer = "audioserver"
	ClientEreader     = "ereader"
	ClientReadium     = "readium"
	ClientTracker     = "tracker"
)

// ClientOrder is the configured priority order for leader tie-breaks.
var ClientOrder = []string{ClientAudioServer, ClientEreader, ClientReadium, ClientTracker}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Addr:  ":8282",
			Users: map[string]string{},
		},
		Clients: map[string]ClientCfg{
			ClientAudioServer: {
				Enabled:      true,
				BaseURL:      "http://localhost:13378",
				Token:        "${AUDIOSERVER_TOKEN}",
				Threshold:    0.01,
				PollInterval: 5 * time.Minute,
				Timeout:      30 * time.Second,
			},
			ClientEreader: {
				Enabled:      false,
				BaseURL:      "http://localhost:8081",
				Username:     "${EREADER_USER}",
				APIKey:       "${EREADER_KEY}",
				Threshold:    0.01,
				PollInterval: 5 * time.Minute,
				Timeout:      30 * time.Second,
			},
			ClientReadium: {
				Enabled:      false,
				BaseURL:      "http://localhost:15777",
				Token:        "${READIUM_TOKEN}",
				Threshold:    0.01,
				PollInterval: 5 * time.Minute,
				Timeout:      30 * time.Second,
			},
			ClientTracker: {
				Enabled:      false,
				BaseURL:      "http://localhost:8085",
				Token:        "${TRACKER_TOKEN}",
				Threshold:    0.05,
				PollInterval: 30 * time.Minute,
				Timeout:      30 * time.Second,
			},
		},
		Reconciler: ReconcilerCfg{
			SpreadThreshold:    0.05,
			PositionPreference: "locator",
			DebounceWindow:     30 * time.Second,
			SuppressionWindow:  time.Minute,
			EchoTolerance:      0.01,
			FinishedAt:         0.99,
		},
		Translator: TranslatorCfg{
			WindowSize:  800,
			FuzzyCutoff: 80,
			CacheSize:   8,
		},
		Jobs: JobsCfg{
			MaxRetries:   5,
			RetryDelay:   15 * time.Minute,
			ScanInterval: time.Minute,
		},
		Log: LogCfg{
			Level:  "info",
			Format: "text",
		},
	}
}

// GetClient returns a client config by name.
func (c *Config) GetClient(name string) (ClientCfg, bool) {
	cfg, ok := c.Clients[name]
	return cfg, ok
}

// EnabledClients returns all enabled clients keyed by name.
func (c *Config) EnabledClients() map[string]ClientCfg {
	result := make(map[string]ClientCfg)
	for name, cfg := range c.Clients {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// PollIntervals returns the per-client poll intervals for enabled clients.
func (c *Config) PollIntervals() map[string]time.Duration {
	result := make(map[string]time.Duration)
	for name, cfg := range c.Clients {
		if cfg.Enabled {
			result[name] = cfg.PollInterval
		}
	}
	return result
}
