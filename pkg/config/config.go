package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/xilinx/xroe-ecpri/pkg/engine"
	"github.com/xilinx/xroe-ecpri/pkg/register"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

const (
	DefaultPort   = 5001
	DefaultListen = "localhost:9520"

	// DefaultInterface is the framer ethernet port hardware timestamping is
	// enabled on.
	DefaultInterface = "eth1"

	// DefaultMemorySize is the size of the register space in soft mode.
	DefaultMemorySize = 0x10000
)

// Config is the daemon configuration. Every field may be given in the YAML
// file; command line flags that are set explicitly take precedence.
type Config struct {
	Port      int    `yaml:"port"`
	Interface string `yaml:"interface"`
	Listen    string `yaml:"listen"`

	DevicePath  string `yaml:"devicePath"`
	LockPath    string `yaml:"lockPath"`
	TriggerPath string `yaml:"triggerPath"`

	TimestampTimeout time.Duration `yaml:"timestampTimeout"`
	ResponseTimeout  time.Duration `yaml:"responseTimeout"`
	OWDMTimeout      time.Duration `yaml:"owdmTimeout"`

	ReportLimit    int64  `yaml:"reportLimit"`
	Compensation   string `yaml:"compensation"`
	FailureReplies bool   `yaml:"failureReplies"`

	// Soft runs the engine on an in-memory network and register space,
	// without touching sockets or devices.
	Soft       bool     `yaml:"soft"`
	SoftPeers  []string `yaml:"softPeers"`
	MemorySize int      `yaml:"memorySize"`
}

func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		Interface:        DefaultInterface,
		Listen:           DefaultListen,
		DevicePath:       register.DefaultDevicePath,
		LockPath:         register.DefaultLockPath,
		TriggerPath:      register.DefaultTriggerPath,
		TimestampTimeout: engine.DefaultTimestampTimeout,
		ResponseTimeout:  engine.DefaultResponseTimeout,
		OWDMTimeout:      engine.DefaultOWDMTimeout,
		MemorySize:       DefaultMemorySize,
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %v", path)
	}
	if err := yaml.UnmarshalStrict(content, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %v", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %v", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 0xffff {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.ReportLimit < 0 {
		return errors.Errorf("negative report limit %d", c.ReportLimit)
	}
	if c.Soft && c.MemorySize <= 0 {
		return errors.Errorf("soft mode needs a positive memory size, got %d", c.MemorySize)
	}
	if _, err := c.CompensationBytes(); err != nil {
		return err
	}
	return nil
}

// CompensationBytes decodes the compensation field carried by OWDM messages.
// It is given as up to eight byte values, as accepted by util.ParseByteList.
func (c *Config) CompensationBytes() ([8]byte, error) {
	var comp [8]byte
	if c.Compensation == "" {
		return comp, nil
	}
	b, err := util.ParseByteList(c.Compensation)
	if err != nil {
		return comp, errors.Wrap(err, "invalid compensation")
	}
	if len(b) > len(comp) {
		return comp, errors.Errorf("compensation has %d bytes, at most %d allowed", len(b), len(comp))
	}
	copy(comp[:], b)
	return comp, nil
}
