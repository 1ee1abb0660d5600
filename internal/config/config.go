// Package config loads the service configuration: a JSON document overlaid
// on Default, followed by secrets from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/water.report/internal/alert"
	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/monitoring"
	"github.com/banshee-data/water.report/internal/reading"
	"github.com/banshee-data/water.report/internal/retry"
)

// maxFileSize bounds the config file.
const maxFileSize = 1 * 1024 * 1024

type Config struct {
	Listen string `json:"listen"`

	// SafeRanges is keyed by sensor name ("pH", "Turbidity", ...). It is the
	// only safe-range table in the service.
	SafeRanges map[string]classify.Band `json:"safe_ranges"`

	ConsecutiveContaminationThreshold int `json:"consecutive_contamination_threshold"`

	Classifier ClassifierConfig `json:"classifier"`
	Alert      AlertConfig      `json:"alert"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Hub        HubConfig        `json:"hub"`
	Adapters   AdaptersConfig   `json:"adapters"`
	Journal    JournalConfig    `json:"journal"`
	Redis      RedisConfig      `json:"redis"`
	Log        LogConfig        `json:"log"`
}

type ClassifierConfig struct {
	Strategy  string  `json:"strategy"`
	ModelPath string  `json:"model_path,omitempty"`
	ModelDir  string  `json:"model_dir,omitempty"`
	Softness  float64 `json:"softness,omitempty"`
}

type AlertConfig struct {
	SMTPHost   string   `json:"smtp_host"`
	SMTPPort   int      `json:"smtp_port"`
	Sender     string   `json:"sender,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Site       string   `json:"site,omitempty"`
	// Password only comes from SENDER_PASSWORD.
	Password string `json:"-"`

	QueueSize      int    `json:"queue_size"`
	MaxAttempts    int    `json:"max_attempts"`
	InitialBackoff string `json:"initial_backoff"`
	MaxBackoff     string `json:"max_backoff"`
}

type PipelineConfig struct {
	FunnelSize       int    `json:"funnel_size"`
	ExpectedInterval string `json:"expected_interval"`
}

type HubConfig struct {
	QueueSize int    `json:"queue_size"`
	Overflow  string `json:"overflow"`
}

type AdaptersConfig struct {
	Serial SerialConfig `json:"serial"`
	Poll   PollConfig   `json:"poll"`
	Relay  RelayConfig  `json:"relay"`
	Manual ManualConfig `json:"manual"`
	MQTT   MQTTConfig   `json:"mqtt"`
}

type SerialConfig struct {
	Enabled bool `json:"enabled"`
	// Device is a serial port path. TCPAddress, when set, is used instead
	// and points at a serial-over-TCP bridge.
	Device         string `json:"device,omitempty"`
	TCPAddress     string `json:"tcp_address,omitempty"`
	BaudRate       int    `json:"baud_rate"`
	ReconnectDelay string `json:"reconnect_delay"`
}

type PollConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
	// APIKey only comes from POLL_API_KEY.
	APIKey string `json:"-"`
}

type RelayConfig struct {
	Enabled       bool   `json:"enabled"`
	DedupCapacity int    `json:"dedup_capacity"`
	DedupBucket   string `json:"dedup_bucket"`
}

type ManualConfig struct {
	Enabled bool `json:"enabled"`
}

type MQTTConfig struct {
	Enabled        bool   `json:"enabled"`
	Broker         string `json:"broker,omitempty"`
	Topic          string `json:"topic"`
	ClientID       string `json:"client_id"`
	QoS            byte   `json:"qos"`
	DedupCapacity  int    `json:"dedup_capacity"`
	DedupBucket    string `json:"dedup_bucket"`
	ReconnectDelay string `json:"reconnect_delay"`
	Username       string `json:"-"`
	Password       string `json:"-"`
}

type JournalConfig struct {
	// Path of the SQLite alert journal. Empty disables the journal.
	Path string `json:"path"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
	Password string `json:"-"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a configuration that runs with the serial adapter, the
// manual endpoint and the browser relay enabled and alerts going to the log.
func Default() *Config {
	bands := classify.DefaultBands()
	ranges := make(map[string]classify.Band, reading.NumSensors)
	for _, s := range reading.Sensors {
		ranges[s.String()] = bands[s]
	}
	return &Config{
		Listen:                            ":8080",
		SafeRanges:                        ranges,
		ConsecutiveContaminationThreshold: 5,
		Classifier:                        ClassifierConfig{Strategy: classify.StrategyThreshold},
		Alert: AlertConfig{
			SMTPHost:       "smtp.gmail.com",
			SMTPPort:       587,
			QueueSize:      16,
			MaxAttempts:    3,
			InitialBackoff: "2s",
			MaxBackoff:     "30s",
		},
		Pipeline: PipelineConfig{FunnelSize: 256, ExpectedInterval: "10s"},
		Hub:      HubConfig{QueueSize: 64, Overflow: "disconnect"},
		Adapters: AdaptersConfig{
			Serial: SerialConfig{
				Enabled:        true,
				Device:         "/dev/ttyUSB0",
				BaudRate:       115200,
				ReconnectDelay: "2s",
			},
			Poll:   PollConfig{Interval: "5s", Timeout: "10s"},
			Relay:  RelayConfig{Enabled: true, DedupCapacity: 64, DedupBucket: "1s"},
			Manual: ManualConfig{Enabled: true},
			MQTT: MQTTConfig{
				Topic:          "water_quality/telemetry",
				ClientID:       "water-report",
				DedupCapacity:  64,
				DedupBucket:    "1s",
				ReconnectDelay: "5s",
			},
		},
		Journal: JournalConfig{Path: "water-report.db"},
		Redis:   RedisConfig{Addr: "localhost:6379", Stream: "water_quality:events", MaxLen: 10000},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the JSON file at path over Default, applies the environment
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	// fields omitted from the file keep their defaults
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

// ApplyEnv overlays secrets and deployment settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Alert.Sender, "SENDER_EMAIL")
	set(&c.Alert.Password, "SENDER_PASSWORD")
	if v := strings.TrimSpace(getenv("ALERT_RECIPIENT")); v != "" {
		c.Alert.Recipients = splitList(v)
	}
	set(&c.Adapters.Poll.APIKey, "POLL_API_KEY")
	set(&c.Adapters.MQTT.Username, "MQTT_USERNAME")
	set(&c.Adapters.MQTT.Password, "MQTT_PASSWORD")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
	if v := strings.TrimSpace(getenv("CONSECUTIVE_CONTAMINATION_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ConsecutiveContaminationThreshold = n
		} else {
			monitoring.Logf("ignoring CONSECUTIVE_CONTAMINATION_THRESHOLD=%q: %v", v, err)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks every option. Durations are checked here so the getters
// can assume they parse.
func (c *Config) Validate() error {
	var errs []error
	if c.ConsecutiveContaminationThreshold < 1 {
		errs = append(errs, fmt.Errorf("consecutive_contamination_threshold must be at least 1, got %d", c.ConsecutiveContaminationThreshold))
	}
	if _, err := c.Bands(); err != nil {
		errs = append(errs, err)
	}

	switch c.Classifier.Strategy {
	case classify.StrategyThreshold:
	case classify.StrategyModel:
		if c.Classifier.ModelPath == "" {
			errs = append(errs, errors.New("classifier.model_path is required for the model strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier.strategy %q", c.Classifier.Strategy))
	}
	if c.Classifier.Softness < 0 || c.Classifier.Softness > 1 {
		errs = append(errs, fmt.Errorf("classifier.softness must be between 0 and 1, got %g", c.Classifier.Softness))
	}

	if _, err := hub.ParsePolicy(c.Hub.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("hub.overflow: %w", err))
	}
	if c.Hub.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("hub.queue_size must be positive, got %d", c.Hub.QueueSize))
	}
	if c.Pipeline.FunnelSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.funnel_size must be positive, got %d", c.Pipeline.FunnelSize))
	}
	if c.Alert.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("alert.max_attempts must be at least 1, got %d", c.Alert.MaxAttempts))
	}

	durations := []struct{ name, value string }{
		{"alert.initial_backoff", c.Alert.InitialBackoff},
		{"alert.max_backoff", c.Alert.MaxBackoff},
		{"pipeline.expected_interval", c.Pipeline.ExpectedInterval},
		{"adapters.serial.reconnect_delay", c.Adapters.Serial.ReconnectDelay},
		{"adapters.poll.interval", c.Adapters.Poll.Interval},
		{"adapters.poll.timeout", c.Adapters.Poll.Timeout},
		{"adapters.relay.dedup_bucket", c.Adapters.Relay.DedupBucket},
		{"adapters.mqtt.dedup_bucket", c.Adapters.MQTT.DedupBucket},
		{"adapters.mqtt.reconnect_delay", c.Adapters.MQTT.ReconnectDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", d.name, d.value, err))
		} else if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.value))
		}
	}

	if c.Adapters.Serial.Enabled && c.Adapters.Serial.Device == "" && c.Adapters.Serial.TCPAddress == "" {
		errs = append(errs, errors.New("adapters.serial needs a device or tcp_address"))
	}
	if c.Adapters.Poll.Enabled && c.Adapters.Poll.URL == "" {
		errs = append(errs, errors.New("adapters.poll.url is required when polling is enabled"))
	}
	if c.Adapters.MQTT.Enabled && c.Adapters.MQTT.Broker == "" {
		errs = append(errs, errors.New("adapters.mqtt.broker is required when mqtt is enabled"))
	}
	if c.Adapters.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("adapters.mqtt.qos must be 0, 1 or 2, got %d", c.Adapters.MQTT.QoS))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when the mirror is enabled"))
	}
	if _, err := monitoring.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Bands converts SafeRanges into the classifier's table. Every sensor must
// be present.
func (c *Config) Bands() (classify.Bands, error) {
	var b classify.Bands
	for name := range c.SafeRanges {
		if _, ok := reading.ParseSensor(name); !ok {
			return b, fmt.Errorf("safe_ranges: unknown sensor %q", name)
		}
	}
	for _, s := range reading.Sensors {
		band, ok := c.SafeRanges[s.String()]
		if !ok {
			return b, fmt.Errorf("safe_ranges: missing %s", s)
		}
		b[s] = band
	}
	if err := b.Validate(); err != nil {
		return b, fmt.Errorf("safe_ranges: %w", err)
	}
	return b, nil
}

// ClassifyConfig returns the classify package's view of the settings.
func (c *Config) ClassifyConfig() classify.Config {
	return classify.Config{
		Strategy:  c.Classifier.Strategy,
		ModelPath: c.Classifier.ModelPath,
		ModelDir:  c.Classifier.ModelDir,
		Softness:  c.Classifier.Softness,
	}
}

// SMTP returns the mail settings. Sender doubles as the SMTP username.
func (c *Config) SMTP() alert.SMTPConfig {
	return alert.SMTPConfig{
		Host:     c.Alert.SMTPHost,
		Port:     c.Alert.SMTPPort,
		Username: c.Alert.Sender,
		Password: c.Alert.Password,
		From:     c.Alert.Sender,
		To:       c.Alert.Recipients,
		Site:     c.Alert.Site,
	}
}

// Retry returns the alert delivery retry policy.
func (c *Config) Retry() retry.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = c.Alert.MaxAttempts
	r.InitialDelay = c.GetInitialBackoff()
	r.MaxDelay = c.GetMaxBackoff()
	return r
}

func (c *Config) HubPolicy() hub.Policy {
	p, _ := hub.ParsePolicy(c.Hub.Overflow)
	return p
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) GetExpectedInterval() time.Duration {
	return duration(c.Pipeline.ExpectedInterval, 10*time.Second)
}

func (c *Config) GetInitialBackoff() time.Duration {
	return duration(c.Alert.InitialBackoff, 2*time.Second)
}

func (c *Config) GetMaxBackoff() time.Duration {
	return duration(c.Alert.MaxBackoff, 30*time.Second)
}

func (c *Config) GetSerialReconnectDelay() time.Duration {
	return duration(c.Adapters.Serial.ReconnectDelay, 2*time.Second)
}

func (c *Config) GetPollInterval() time.Duration {
	return duration(c.Adapters.Poll.Interval, 5*time.Second)
}

func (c *Config) GetPollTimeout() time.Duration {
	return duration(c.Adapters.Poll.Timeout, 10*time.Second)
}

func (c *Config) GetRelayDedupBucket() time.Duration {
	return duration(c.Adapters.Relay.DedupBucket, 0)
}

func (c *Config) GetMQTTDedupBucket() time.Duration {
	return duration(c.Adapters.MQTT.DedupBucket, 0)
}

func (c *Config) GetMQTTReconnectDelay() time.Duration {
	return duration(c.Adapters.MQTT.ReconnectDelay, 5*time.Second)
}
