package qtel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kardianos/qtel/qbroker"
	"github.com/kardianos/qtel/qquota"
	"github.com/kardianos/qtel/qstore"
	"github.com/kardianos/qtel/qtrust"
	"gopkg.in/yaml.v3"
)

const (
	ProtocolMQTT = "mqtt"
	ProtocolNATS = "nats"
)

// Config is the agent configuration, usually read from a YAML file.
type Config struct {
	// AppID identifies the application to the control plane. It also seeds
	// the credential sealing key and names the default data directory.
	AppID   string `yaml:"app_id"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// DataDir defaults to a per-OS location derived from AppID.
	DataDir string `yaml:"data_dir"`

	// TrustPolicy is one of cached, digest or expiry.
	TrustPolicy string `yaml:"trust_policy"`

	Broker  BrokerConfig  `yaml:"broker"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`

	// RefreshInterval is how often usage limits are re-fetched.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type BrokerConfig struct {
	Protocol     string        `yaml:"protocol"`
	BufferSize   int           `yaml:"buffer_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	// Stream is the JetStream stream ensured on connect. Empty skips it.
	Stream string `yaml:"stream"`
}

type NetworkConfig struct {
	// Metered is auto, always or never.
	Metered          string   `yaml:"metered"`
	CellularPrefixes []string `yaml:"cellular_prefixes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		TrustPolicy: qtrust.TrustCached.String(),
		Broker: BrokerConfig{
			Protocol:     ProtocolMQTT,
			BufferSize:   qbroker.DefaultBufferSize,
			DialTimeout:  qbroker.DefaultDialTimeout,
			AckTimeout:   qbroker.DefaultAckTimeout,
			CloseTimeout: qbroker.DefaultCloseTimeout,
			KeepAlive:    qbroker.DefaultKeepAlive,
			MaxBackoff:   qbroker.DefaultMaxBackoff,
		},
		Network: NetworkConfig{
			Metered:          "auto",
			CellularPrefixes: qquota.DefaultCellularPrefixes,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		RefreshInterval: qquota.DefaultRefreshInterval,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Environment references
// such as ${QTEL_API_KEY} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("qtel: read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("qtel: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if err := qstore.ValidateAppName(c.AppID); err != nil {
		errs = append(errs, fmt.Errorf("app_id: %w", err))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if _, err := qtrust.ParsePolicy(c.TrustPolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.Broker.Protocol {
	case ProtocolMQTT, ProtocolNATS:
	default:
		errs = append(errs, fmt.Errorf("broker.protocol %q must be %s or %s", c.Broker.Protocol, ProtocolMQTT, ProtocolNATS))
	}
	if c.Broker.BufferSize < 0 {
		errs = append(errs, errors.New("broker.buffer_size must not be negative"))
	}
	if _, err := qquota.ParseNetworkMode(c.Network.Metered, c.Network.CellularPrefixes); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("qtel: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ResolveDataDir returns DataDir, or the default directory for AppID.
func (c Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return os.ExpandEnv(c.DataDir), nil
	}
	return qstore.DefaultDataDir(c.AppID)
}

// NewLogger builds a slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
