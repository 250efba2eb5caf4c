// Package config loads service settings from defaults, an optional YAML
// file and WORKSHOPSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tinoosan/workshopsync/internal/callback"
	"github.com/tinoosan/workshopsync/internal/logging"
	"github.com/tinoosan/workshopsync/internal/native/bridge"
	"github.com/tinoosan/workshopsync/internal/poller"
	"gopkg.in/yaml.v2"
)

const (
	envVarPrefix = "WORKSHOPSYNC"

	DefaultAddr            = "127.0.0.1:8080"
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Addr     string `envconfig:"ADDR"      yaml:"addr"`
	APIToken string `envconfig:"API_TOKEN" yaml:"apiToken"`
	LogLevel string `envconfig:"LOG_LEVEL" yaml:"logLevel"`
	LogFile  string `envconfig:"LOG_FILE"  yaml:"logFile"`

	BridgeURL     string   `envconfig:"BRIDGE_URL"     yaml:"bridgeURL"`
	BridgeSecret  string   `envconfig:"BRIDGE_SECRET"  yaml:"bridgeSecret"`
	BridgeTimeout Duration `envconfig:"BRIDGE_TIMEOUT" yaml:"bridgeTimeout"`

	PollInterval     Duration `envconfig:"POLL_INTERVAL"     yaml:"pollInterval"`
	PumpInterval     Duration `envconfig:"PUMP_INTERVAL"     yaml:"pumpInterval"`
	CallDelay        Duration `envconfig:"CALL_DELAY"        yaml:"callDelay"`
	OperationTimeout Duration `envconfig:"OPERATION_TIMEOUT" yaml:"operationTimeout"`
	DefaultTimeout   Duration `envconfig:"DEFAULT_TIMEOUT"   yaml:"defaultTimeout"`
	ShutdownTimeout  Duration `envconfig:"SHUTDOWN_TIMEOUT"  yaml:"shutdownTimeout"`
}

// Default returns the settings used when nothing overrides them. The API
// token has no default.
func Default() Config {
	return Config{
		Addr:             DefaultAddr,
		LogLevel:         "info",
		BridgeURL:        bridge.DefaultURL,
		BridgeTimeout:    Duration(bridge.DefaultTimeout),
		PollInterval:     Duration(poller.DefaultInterval),
		PumpInterval:     Duration(callback.DefaultPumpInterval),
		CallDelay:        Duration(callback.DefaultCallDelay),
		OperationTimeout: Duration(callback.DefaultOperationTimeout),
		DefaultTimeout:   Duration(callback.DefaultTimeout),
		ShutdownTimeout:  Duration(DefaultShutdownTimeout),
	}
}

// Load reads path when given, or WORKSHOPSYNC_CONFIG_FILE when set, then
// applies the environment. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if c.Addr == "" {
			return "addr", "ADDR"
		}
		if c.APIToken == "" {
			return "apiToken", "API_TOKEN"
		}
		if c.BridgeURL == "" {
			return "bridgeURL", "BRIDGE_URL"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf("missing required configuration: %s / %s_%s", y, envVarPrefix, e)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	u, err := url.Parse(c.BridgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("bridgeURL: %q is not an http(s) URL", c.BridgeURL)
	}

	var errs []error
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"bridgeTimeout", c.BridgeTimeout},
		{"pollInterval", c.PollInterval},
		{"pumpInterval", c.PumpInterval},
		{"operationTimeout", c.OperationTimeout},
		{"defaultTimeout", c.DefaultTimeout},
		{"shutdownTimeout", c.ShutdownTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.v))
		}
	}
	if c.CallDelay < 0 {
		errs = append(errs, fmt.Errorf("callDelay must not be negative, got %s", c.CallDelay))
	}
	return errors.Join(errs...)
}

// Duration accepts Go duration strings such as "250ms" from both YAML and
// the environment.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

func (d *Duration) Decode(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
