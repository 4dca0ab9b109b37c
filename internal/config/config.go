package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Clip   ClipConfig   `yaml:"clip" mapstructure:"clip"`
	Naming NamingConfig `yaml:"naming" mapstructure:"naming"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run and grid-size database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the Postgres connection pool. Ignored for SQLite.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ClipConfig configures clip run behavior.
type ClipConfig struct {
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency"`
	Stats       bool `yaml:"stats" mapstructure:"stats"`
	Overwrite   bool `yaml:"overwrite" mapstructure:"overwrite"`
}

// NamingConfig configures attribute column matching and the optional
// experiment override file.
type NamingConfig struct {
	SeasonColumn     string `yaml:"season_column" mapstructure:"season_column"`
	ExperimentColumn string `yaml:"experiment_column" mapstructure:"experiment_column"`
	PlotColumn       string `yaml:"plot_column" mapstructure:"plot_column"`
	ExperimentFile   string `yaml:"experiment_file" mapstructure:"experiment_file"`
}

// OutputConfig configures where and how clips are written.
type OutputConfig struct {
	Root        string `yaml:"root" mapstructure:"root"`
	Compression string `yaml:"compression" mapstructure:"compression"`
	Predictor   bool   `yaml:"predictor" mapstructure:"predictor"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PLOTCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "plotclip.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("clip.concurrency", 4)
	v.SetDefault("clip.stats", true)
	v.SetDefault("clip.overwrite", false)
	v.SetDefault("naming.season_column", "season_name")
	v.SetDefault("naming.experiment_column", "experiment_name")
	v.SetDefault("naming.plot_column", "auto")
	v.SetDefault("naming.experiment_file", "experiment.json")
	v.SetDefault("output.root", "plot_clips")
	v.SetDefault("output.compression", "deflate")
	v.SetDefault("output.predictor", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields the given command mode depends on. Problems are
// collected so one failed invocation reports everything wrong at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "clip":
		if c.Clip.Concurrency < 1 || c.Clip.Concurrency > 64 {
			problems = append(problems, "clip.concurrency must be between 1 and 64")
		}
		switch c.Output.Compression {
		case "", "none", "deflate", "zlib":
		default:
			problems = append(problems, fmt.Sprintf("output.compression %q is not none, deflate or zlib", c.Output.Compression))
		}
		if c.Output.Root == "" {
			problems = append(problems, "output.root is required")
		}
	case "runs", "report", "sizes":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
