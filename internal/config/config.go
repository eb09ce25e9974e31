package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

// DefaultObjects are the object labels admitted when none are configured.
var DefaultObjects = []string{"car", "motorcycle", "bus"}

type MQTTConfig struct {
	Server      string `mapstructure:"server"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	MainTopic   string `mapstructure:"main_topic"`
	ReturnTopic string `mapstructure:"return_topic"`
}

// BrokerURL renders the tcp:// address paho expects.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Server, c.Port)
}

type FrigateConfig struct {
	URL                  string        `mapstructure:"url"`
	Plus                 bool          `mapstructure:"frigate_plus"`
	Cameras              []string      `mapstructure:"cameras"`
	Zones                []string      `mapstructure:"zones"`
	Objects              []string      `mapstructure:"objects"`
	LicensePlateMinScore float64       `mapstructure:"license_plate_min_score"`
	MinScore             float64       `mapstructure:"min_score"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

type WatchListConfig struct {
	Plates     []string `mapstructure:"plates"`
	FuzzyMatch float64  `mapstructure:"fuzzy_match"`
}

type TrackerConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type DispatchConfig struct {
	MaxWorkers          int           `mapstructure:"max_workers"`
	QueueSize           int           `mapstructure:"queue_size"`
	EnqueueTimeout      time.Duration `mapstructure:"enqueue_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	ScoreDeltaThreshold float64       `mapstructure:"score_delta_threshold"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	JitterFactor        float64       `mapstructure:"jitter_factor"`
}

type PlateRecognizerConfig struct {
	Token          string        `mapstructure:"token"`
	Regions        []string      `mapstructure:"regions"`
	APIURL         string        `mapstructure:"api_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type CodeProjectConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SnapshotConfig struct {
	Save       bool   `mapstructure:"save"`
	AlwaysSave bool   `mapstructure:"always_save"`
	Dir        string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type HTTPConfig struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type Config struct {
	LogLevel        string                 `mapstructure:"log_level"`
	MQTT            MQTTConfig             `mapstructure:"mqtt"`
	Frigate         FrigateConfig          `mapstructure:"frigate"`
	WatchList       WatchListConfig        `mapstructure:"watch_list"`
	Tracker         TrackerConfig          `mapstructure:"tracker"`
	Dispatch        DispatchConfig         `mapstructure:"dispatch"`
	PlateRecognizer *PlateRecognizerConfig `mapstructure:"plate_recognizer"`
	CodeProject     *CodeProjectConfig     `mapstructure:"code_project"`
	Snapshots       SnapshotConfig         `mapstructure:"snapshots"`
	Database        DatabaseConfig         `mapstructure:"database"`
	HTTP            HTTPConfig             `mapstructure:"http"`
}

// envOnlyKeys are keys that carry no default and are typically absent
// from the file because they are injected through the environment
// (credentials above all). AutomaticEnv only resolves keys viper
// already knows, so each of these needs an explicit binding.
var envOnlyKeys = []string{
	"mqtt.server",
	"mqtt.username",
	"mqtt.password",
	"frigate.url",
	"frigate.frigate_plus",
	"frigate.cameras",
	"frigate.zones",
	"frigate.license_plate_min_score",
	"frigate.min_score",
	"watch_list.plates",
	"watch_list.fuzzy_match",
	"tracker.sweep_interval",
	"dispatch.max_attempts",
	"dispatch.score_delta_threshold",
	"plate_recognizer.token",
	"plate_recognizer.regions",
	"plate_recognizer.api_url",
	"code_project.api_url",
	"snapshots.save",
	"snapshots.always_save",
	"database.dsn",
	"database.retention_days",
	"http.jwt_secret",
	"http.allow_origins",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "plate-watcher")
	v.SetDefault("mqtt.main_topic", "frigate")
	v.SetDefault("mqtt.return_topic", "plate_watcher")
	v.SetDefault("frigate.objects", DefaultObjects)
	v.SetDefault("frigate.request_timeout", 10*time.Second)
	v.SetDefault("tracker.ttl", 10*time.Minute)
	v.SetDefault("dispatch.max_workers", 10)
	v.SetDefault("dispatch.queue_size", 100)
	v.SetDefault("dispatch.enqueue_timeout", 2*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.backoff_base", time.Second)
	v.SetDefault("dispatch.backoff_max", time.Minute)
	v.SetDefault("dispatch.jitter_factor", 0.2)
	v.SetDefault("snapshots.dir", "/plates")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("plate_recognizer.request_timeout", 30*time.Second)
	v.SetDefault("code_project.request_timeout", 30*time.Second)
}

// Load reads the YAML config at path, applies PW_-prefixed environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Engine sections are optional in the file; treat an empty section
	// as absent so exactly one back-end is selected.
	if cfg.PlateRecognizer != nil && cfg.PlateRecognizer.Token == "" && cfg.PlateRecognizer.APIURL == "" {
		cfg.PlateRecognizer = nil
	}
	if cfg.CodeProject != nil && cfg.CodeProject.APIURL == "" {
		cfg.CodeProject = nil
	}

	if cfg.Tracker.SweepInterval <= 0 {
		cfg.Tracker.SweepInterval = cfg.Tracker.TTL / 4
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Server == "" {
		return fmt.Errorf("%w: mqtt.server is required", ErrInvalidConfig)
	}
	if c.Frigate.URL == "" {
		return fmt.Errorf("%w: frigate.url is required", ErrInvalidConfig)
	}
	if c.PlateRecognizer == nil && c.CodeProject == nil {
		return fmt.Errorf("%w: configure either plate_recognizer or code_project", ErrInvalidConfig)
	}
	if c.PlateRecognizer != nil && c.PlateRecognizer.Token == "" {
		return fmt.Errorf("%w: plate_recognizer.token is required", ErrInvalidConfig)
	}
	if c.WatchList.FuzzyMatch < 0 || c.WatchList.FuzzyMatch > 1 {
		return fmt.Errorf("%w: watch_list.fuzzy_match must be in [0,1]", ErrInvalidConfig)
	}
	if c.Dispatch.ScoreDeltaThreshold < 0 || c.Dispatch.ScoreDeltaThreshold > 1 {
		return fmt.Errorf("%w: dispatch.score_delta_threshold must be in [0,1]", ErrInvalidConfig)
	}
	if c.Dispatch.MaxWorkers < 1 {
		return fmt.Errorf("%w: dispatch.max_workers must be at least 1", ErrInvalidConfig)
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("%w: dispatch.max_retries must be at least 1", ErrInvalidConfig)
	}
	if c.Tracker.TTL <= 0 {
		return fmt.Errorf("%w: tracker.ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// UsesPlateRecognizer reports whether the Plate Recognizer back-end is
// selected. Exactly one of the two engines is active after validation;
// Plate Recognizer wins when both are configured.
func (c *Config) UsesPlateRecognizer() bool {
	return c.PlateRecognizer != nil
}
