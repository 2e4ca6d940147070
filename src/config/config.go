// Package config holds the server settings, read from an optional YAML file
// and overridden by command line flags.
package config

import (
	"fmt"
	"os"
	"prioserver/src/server/dispatch"
	"prioserver/src/server/transport"
	"time"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Ports up to this one are reserved.
const MIN_PORT = 1024

type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`

	Threads   int    `yaml:"threads"`
	QueueSize int    `yaml:"queue_size"`
	Policy    string `yaml:"policy"`

	// Directory static files are served from.
	Root            string        `yaml:"root"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`

	// Empty disables the endpoint or file.
	MetricsAddr        string        `yaml:"metrics_addr"`
	RequestLogPath     string        `yaml:"request_log_path"`
	WorkConservingPath string        `yaml:"work_conserving_path"`
	SampleInterval     time.Duration `yaml:"sample_interval"`

	LogLevel    int  `yaml:"log_level"`
	Development bool `yaml:"development"`
}

func Default() Config {
	return Config{
		Host:            "localhost",
		Port:            8000,
		Transport:       transport.TCP,
		Threads:         4,
		QueueSize:       16,
		Policy:          string(dispatch.Block),
		Root:            "public",
		ClassifyTimeout: 2 * time.Second,
		SampleInterval:  time.Second,
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= MIN_PORT || c.Port > 65535 {
		return errors.Errorf("port must be in (%d, 65535], got %d", MIN_PORT, c.Port)
	}
	if c.Threads <= 0 {
		return errors.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.QueueSize <= 0 {
		return errors.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if _, err := dispatch.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.Transport != transport.TCP && c.Transport != transport.QUIC {
		return errors.Errorf("transport must be %q or %q, got %q", transport.TCP, transport.QUIC, c.Transport)
	}
	if c.ClassifyTimeout < 0 {
		return errors.Errorf("classify timeout must not be negative, got %s", c.ClassifyTimeout)
	}
	if c.WorkConservingPath != "" && c.SampleInterval <= 0 {
		return errors.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// fields is Config without its methods, so printing does not recurse.
type fields Config

func (c Config) String() string {
	return pretty.Sprint(fields(c))
}
