package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"meshmonitor/go-collector/internal/model"
)

// ConfigError is the class of invalid or unreadable configuration.
var ConfigError = errs.Class("config")

// Config lists the tunable parameters of a collector.
type Config struct {
	Gateways     []string      `yaml:"gateways"`
	Discovery    bool          `yaml:"discovery"`
	DatabasePath string        `yaml:"database_path"`
	HTTPPort     int           `yaml:"http_port"`
	LogLevel     string        `yaml:"log_level"`
	Collector    Collector     `yaml:"collector"`
	Sync         Sync          `yaml:"sync"`
	Backoff      Backoff       `yaml:"backoff"`
	MQTT         MQTT          `yaml:"mqtt"`
	Heartbeat    time.Duration `yaml:"gateway_heartbeat"`
}

// Collector identifies this deployment to the central store.
type Collector struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	IDFile   string `yaml:"id_file"`
}

// Sync configures pushes to the central store.
type Sync struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Backoff bounds the gateway reconnect delay.
type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// MQTT configures the gateway bridge client.
type MQTT struct {
	Topics   []string `yaml:"topics"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

const (
	defaultHTTPPort     = 9090
	defaultDatabasePath = "data/mesh.db"
	defaultLogLevel     = "info"
	defaultSyncInterval = 5 * time.Minute
	defaultBatchSize    = 1000
	defaultSyncTimeout  = 30 * time.Second
	defaultBackoffInit  = time.Second
	defaultBackoffMax   = 60 * time.Second
	defaultHeartbeat    = 60 * time.Second

	minSyncInterval = 10 * time.Second
	envPrefix       = "MESHMON_"
)

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		DatabasePath: defaultDatabasePath,
		HTTPPort:     defaultHTTPPort,
		LogLevel:     defaultLogLevel,
		Collector:    Collector{IDFile: defaultIDFile()},
		Sync: Sync{
			Interval:  defaultSyncInterval,
			BatchSize: defaultBatchSize,
			Timeout:   defaultSyncTimeout,
		},
		Backoff:   Backoff{Initial: defaultBackoffInit, Max: defaultBackoffMax},
		Heartbeat: defaultHeartbeat,
	}
}

// SearchPaths are tried in order when no --config flag is given.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshtastic-monitor", "config.yaml"))
	}
	return append(paths, "/etc/meshtastic-monitor/config.yaml")
}

func defaultIDFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshtastic-monitor", "collector_id")
}

// Load builds the collector configuration from defaults, a YAML file,
// MESHMON_* environment variables and finally command-line args, each layer
// overriding the previous one. The collector id is resolved last and
// persisted when generated.
func Load(args []string) (Config, error) {
	cfg := Default()

	path, explicit, err := configPath(args)
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		for _, p := range SearchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	flags := newFlagSet(&cfg)
	if err := flags.Parse(args); err != nil {
		return Config{}, ConfigError.Wrap(err)
	}
	cfg.Gateways = append(cfg.Gateways, flags.Args()...)

	if cfg.Collector.ID == "" {
		id, err := CollectorID(cfg.Collector.IDFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Collector.ID = id
	}

	return cfg, cfg.Validate()
}

func configPath(args []string) (string, bool, error) {
	pre := pflag.NewFlagSet("config", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	path := pre.StringP("config", "c", "", "")
	_ = pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return "", false, ConfigError.Wrap(err)
	}
	return *path, *path != "", nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigError.Wrap(fmt.Errorf("read config file: %w", err))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return ConfigError.Wrap(fmt.Errorf("parse %s: %w", path, err))
	}
	return nil
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.StringSliceVarP(&cfg.Gateways, "gateway", "g", cfg.Gateways, "gateway endpoint host[:port], repeatable")
	fs.BoolVar(&cfg.Discovery, "discover", cfg.Discovery, "discover gateways over mDNS")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "local SQLite database path")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "status and metrics HTTP port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.Collector.ID, "collector-id", cfg.Collector.ID, "collector identifier")
	fs.StringVar(&cfg.Collector.Name, "collector-name", cfg.Collector.Name, "human readable collector name")
	fs.StringVar(&cfg.Collector.Location, "location", cfg.Collector.Location, "collector location")
	fs.BoolVar(&cfg.Sync.Enabled, "sync", cfg.Sync.Enabled, "push records to the central store")
	fs.StringVar(&cfg.Sync.URL, "sync-url", cfg.Sync.URL, "central sync API base URL")
	fs.StringVar(&cfg.Sync.APIKey, "sync-api-key", cfg.Sync.APIKey, "central sync API key")
	fs.DurationVar(&cfg.Sync.Interval, "sync-interval", cfg.Sync.Interval, "interval between sync passes")
	fs.IntVar(&cfg.Sync.BatchSize, "sync-batch-size", cfg.Sync.BatchSize, "records per table per sync batch")
	fs.DurationVar(&cfg.Backoff.Initial, "backoff-initial", cfg.Backoff.Initial, "first reconnect delay")
	fs.DurationVar(&cfg.Backoff.Max, "backoff-max", cfg.Backoff.Max, "reconnect delay cap")
	fs.StringVar(&cfg.MQTT.Username, "mqtt-username", cfg.MQTT.Username, "gateway bridge username")
	fs.StringVar(&cfg.MQTT.Password, "mqtt-password", cfg.MQTT.Password, "gateway bridge password")
	return fs
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			default:
				*dst = false
			}
		}
	}

	if v := os.Getenv(envPrefix + "GATEWAYS"); v != "" {
		cfg.Gateways = splitList(v)
	}
	boolean("DISCOVERY", &cfg.Discovery)
	str("DB_PATH", &cfg.DatabasePath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("COLLECTOR_ID", &cfg.Collector.ID)
	str("COLLECTOR_NAME", &cfg.Collector.Name)
	str("LOCATION", &cfg.Collector.Location)
	boolean("SYNC_ENABLED", &cfg.Sync.Enabled)
	str("SYNC_API_URL", &cfg.Sync.URL)
	str("SYNC_API_KEY", &cfg.Sync.APIKey)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)

	if v := os.Getenv(envPrefix + "HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ConfigError.New("invalid %sHTTP_PORT: %v", envPrefix, err)
		}
		cfg.HTTPPort = port
	}
	if v := os.Getenv(envPrefix + "SYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ConfigError.New("invalid %sSYNC_BATCH_SIZE: %v", envPrefix, err)
		}
		cfg.Sync.BatchSize = n
	}

	durations := map[string]*time.Duration{
		"SYNC_INTERVAL":   &cfg.Sync.Interval,
		"BACKOFF_INITIAL": &cfg.Backoff.Initial,
		"BACKOFF_MAX":     &cfg.Backoff.Max,
	}
	for name, dst := range durations {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return ConfigError.New("invalid %s%s: %v", envPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem found at once.
func (c Config) Validate() error {
	var problems []string

	if c.Sync.Enabled {
		if c.Sync.URL == "" {
			problems = append(problems, "sync api url is required when sync is enabled")
		}
		if c.Sync.APIKey == "" {
			problems = append(problems, "sync api key is required when sync is enabled")
		}
	}
	if c.Sync.Interval < minSyncInterval {
		problems = append(problems, fmt.Sprintf("sync interval must be at least %s", minSyncInterval))
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync batch size must be positive")
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		problems = append(problems, "backoff initial must be positive and not above backoff max")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		problems = append(problems, "http port must be between 0 and 65535")
	}
	if c.DatabasePath == "" {
		problems = append(problems, "database path is required")
	}
	if _, err := c.Endpoints(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return ConfigError.New("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Endpoints parses the configured gateway list, dropping duplicates.
func (c Config) Endpoints() ([]model.Endpoint, error) {
	seen := make(map[string]bool, len(c.Gateways))
	var out []model.Endpoint
	for _, raw := range c.Gateways {
		ep, err := model.ParseEndpoint(raw, model.DefaultGatewayPort)
		if err != nil {
			return nil, err
		}
		if seen[ep.String()] {
			continue
		}
		seen[ep.String()] = true
		out = append(out, ep)
	}
	return out, nil
}

// CollectorID returns the id persisted at path, creating one when the file
// does not exist. A write failure still returns the generated id.
func CollectorID(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", ConfigError.Wrap(fmt.Errorf("read collector id: %w", err))
		}
	}

	id := "collector-" + uuid.NewString()[:8]
	if path == "" {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	}
	return id, nil
}

// Central configures the central sync service.
type Central struct {
	ListenAddress string
	DatabaseURL   string
	APIKeys       []string
	LogLevel      string

	// Insecure serves the API without keys.
	Insecure bool
}

// LoadCentral reads the central service configuration from the environment
// and args. DATABASE_URL and API_KEYS keep their conventional names.
func LoadCentral(args []string) (Central, error) {
	cfg := Central{
		ListenAddress: ":8000",
		DatabaseURL:   "data/central.db",
		LogLevel:      defaultLogLevel,
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}
	if v := os.Getenv(envPrefix + "CENTRAL_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "CENTRAL_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Central{}, ConfigError.New("%sCENTRAL_INSECURE: %v", envPrefix, err)
		}
		cfg.Insecure = b
	}

	fs := pflag.NewFlagSet("central", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "HTTP listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres:// URL or SQLite path")
	fs.StringSliceVar(&cfg.APIKeys, "api-key", cfg.APIKeys, "accepted API key, repeatable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "serve the API without API keys")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Central{}, err
		}
		return Central{}, ConfigError.Wrap(err)
	}

	keys := cfg.APIKeys[:0:0]
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.APIKeys = keys
	if len(cfg.APIKeys) == 0 && !cfg.Insecure {
		return Central{}, ConfigError.New("at least one API key is required (API_KEYS or --api-key); pass --insecure to serve without keys")
	}

	if cfg.DatabaseURL == "" {
		return Central{}, ConfigError.New("database url is required")
	}
	if cfg.ListenAddress == "" {
		return Central{}, ConfigError.New("listen address is required")
	}
	return cfg, nil
}
