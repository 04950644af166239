package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	AccessPointRadio     = "radio"
	AccessPointSimulated = "simulated"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	mqttTLSPort = 8883
	mqttTLSAuto = "auto"
)

// Config holds application configuration
type Config struct {
	LogLevel    string `yaml:"log_level" default:"info"`
	AccessPoint string `yaml:"access_point" default:"radio"`

	BootTimeout       time.Duration `yaml:"boot_timeout" default:"5s"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" default:"5s"`
	// OperationTimeout bounds read, write, discover and subscribe. Zero
	// waits forever.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`

	MaxConnections     int `yaml:"max_connections" default:"32"`
	AdvertisementQueue int `yaml:"advertisement_queue" default:"1024"`

	MQTT       MQTTConfig       `yaml:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Simulation SimulationConfig `yaml:"simulation"`

	// Devices are onboarded into the store at startup.
	Devices []Device `yaml:"devices"`
}

type MQTTConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"8883"`
	ClientID string `yaml:"client_id" default:"blegw"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TLS is auto, true or false. Auto encrypts on the TLS port only.
	TLS            string        `yaml:"tls" default:"auto"`
	CAFile         string        `yaml:"ca_file"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
}

// UseTLS reports whether the broker connection is encrypted.
func (m MQTTConfig) UseTLS() bool {
	if b, err := strconv.ParseBool(m.TLS); err == nil {
		return b
	}
	return m.Port == mqttTLSPort
}

type HTTPConfig struct {
	Listen string `yaml:"listen" default:":8080"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" default:"memory"`
	Path   string `yaml:"path" default:"blegw.db"`
}

type SimulationConfig struct {
	SubscriptionInterval time.Duration `yaml:"subscription_interval" default:"1s"`
	ScanInterval         time.Duration `yaml:"scan_interval" default:"100ms"`
}

type Device struct {
	ID  string `yaml:"id"`
	MAC string `yaml:"mac"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads defaults, then the YAML file at path when given, then the
// environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("ACCESS_POINT", &c.AccessPoint)
	str("MQTT_HOST", &c.MQTT.Host)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CA_FILE", &c.MQTT.CAFile)
	str("HTTP_LISTEN", &c.HTTP.Listen)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("MQTT_TLS", &c.MQTT.TLS)

	for _, step := range []error{
		num("MAX_CONNECTIONS", &c.MaxConnections),
		num("ADVERTISEMENT_QUEUE", &c.AdvertisementQueue),
		num("MQTT_PORT", &c.MQTT.Port),
		dur("BOOT_TIMEOUT", &c.BootTimeout),
		dur("CONNECTION_TIMEOUT", &c.ConnectionTimeout),
		dur("OPERATION_TIMEOUT", &c.OperationTimeout),
	} {
		if step != nil {
			return step
		}
	}
	return nil
}

// parseSeconds accepts a plain number of seconds or a Go duration.
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", v)
	}
	return d, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.AccessPoint {
	case AccessPointRadio, AccessPointSimulated:
	default:
		return fmt.Errorf("invalid access_point %q: expected %s or %s", c.AccessPoint, AccessPointRadio, AccessPointSimulated)
	}
	switch {
	case c.BootTimeout <= 0:
		return fmt.Errorf("boot_timeout must be positive, got %s", c.BootTimeout)
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("connection_timeout must be positive, got %s", c.ConnectionTimeout)
	case c.OperationTimeout < 0:
		return fmt.Errorf("operation_timeout must not be negative, got %s", c.OperationTimeout)
	case c.MaxConnections <= 0:
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	case c.AdvertisementQueue <= 0:
		return fmt.Errorf("advertisement_queue must be positive, got %d", c.AdvertisementQueue)
	case c.MQTT.Port <= 0 || c.MQTT.Port > 65535:
		return fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port)
	case !validTLS(c.MQTT.TLS):
		return fmt.Errorf("invalid mqtt.tls %q: expected auto, true or false", c.MQTT.TLS)
	case c.Simulation.SubscriptionInterval <= 0 || c.Simulation.ScanInterval <= 0:
		return errors.New("simulation intervals must be positive")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store.driver %q: expected %s or %s", c.Store.Driver, StoreMemory, StoreSQLite)
	}
	for i, d := range c.Devices {
		if d.ID == "" || d.MAC == "" {
			return fmt.Errorf("devices[%d]: id and mac are required", i)
		}
	}
	return nil
}

func validTLS(v string) bool {
	if v == mqttTLSAuto {
		return true
	}
	_, err := strconv.ParseBool(v)
	return err == nil
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
