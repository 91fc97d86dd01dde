package config

import (
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	_defaultConfigFilePaths   = []string{".", "$CONFIG_DIR/"}
	_defaultLogZapOutputPaths = []string{"stderr"}
)

const (
	_envPrefix = "RSMUX"

	_defaultAddr = "127.0.0.1:9898"

	_defaultLogLevel            = "INFO"
	_defaultLogZapEncoding      = "json"
	_defaultLogEnableRotation   = false
	_defaultLogRotateMaxSize    = 64
	_defaultLogRotateMaxAge     = 180
	_defaultLogRotateMaxBackups = 0
	_defaultLogRotateLocalTime  = false
	_defaultLogRotateCompress   = false
)

// Config is the configuration for [server.Server]
type Config struct {
	Log     *Log
	RSocket *RSocket

	// Addr is the address the RSocket server listens on.
	Addr string
	// AdvertiseAddr is the address clients are told to connect to.
	AdvertiseAddr string
	// MetricsAddr is the address prometheus metrics are served on. Empty disables it.
	MetricsAddr string

	v  *viper.Viper
	lg *zap.Logger
}

// NewConfig creates a new config.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{}
	cfg.Log = NewLog()
	cfg.RSocket = NewRSocket()

	v := newViper()
	fs := newFlagSet(errOutput)
	configure(v, fs)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}
	cfg.v = v

	// new and set logger (first thing after configuration loaded)
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Debug("load configuration from file", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	c.RSocket.Adjust()
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(err, "invalid address `%s`", c.Addr)
	}
	if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
		return errors.Wrapf(err, "invalid advertise address `%s`", c.AdvertiseAddr)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return errors.Wrapf(err, "invalid metrics address `%s`", c.MetricsAddr)
		}
	}

	if err := c.RSocket.Validate(); err != nil {
		return errors.Wrap(err, "validate rsocket config")
	}

	return nil
}

// Logger returns logger generated based on the config
// It can be used after calling NewConfig
func (c *Config) Logger() *zap.Logger {
	if c != nil {
		return c.lg
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	for _, filePath := range _defaultConfigFilePaths {
		v.AddConfigPath(filePath)
	}
	return v
}

func newFlagSet(errOutput io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("rsmux", pflag.ContinueOnError)
	fs.SetOutput(errOutput)
	return fs
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("addr", _defaultAddr, "the address the server listens on")
	fs.String("advertise-addr", "", "advertise address of the server (default '${addr}')")
	_ = v.BindPFlag("addr", fs.Lookup("addr"))
	fs.String("metrics-addr", "", "the address prometheus metrics are served on, disabled if empty")
	_ = v.BindPFlag("advertiseAddr", fs.Lookup("advertise-addr"))
	_ = v.BindPFlag("metricsAddr", fs.Lookup("metrics-addr"))

	logConfigure(v, fs)
	rsocketConfigure(v, fs)
}
