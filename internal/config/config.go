// Package config loads coordinator and segment settings from defaults, an
// optional YAML file, and GANGWAY_* environment variables, in that order of
// increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/dreamware/gangway/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// GANGWAY_DISPATCH_WAIT_TIMEOUT=3s sets dispatch.wait_timeout.
const EnvPrefix = "GANGWAY"

// Config is the complete process configuration.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Node        NodeConfig        `mapstructure:"node"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	FTS         FTSConfig         `mapstructure:"fts"`
	Gang        GangConfig        `mapstructure:"gang"`
	Sequence    SequenceConfig    `mapstructure:"sequence"`
	Log         logging.Config    `mapstructure:"log"`
}

// CoordinatorConfig configures the coordinator process.
type CoordinatorConfig struct {
	AdminListen  string `mapstructure:"admin_listen"`
	TopologyFile string `mapstructure:"topology_file"`
	OwnerID      uint32 `mapstructure:"owner_id"`
}

// NodeConfig configures one segment worker.
type NodeConfig struct {
	DBID         int    `mapstructure:"dbid"`
	ContentID    int    `mapstructure:"content_id"`
	Listen       string `mapstructure:"listen"`
	HealthListen string `mapstructure:"health_listen"`
	Coordinator  string `mapstructure:"coordinator"`
	Advertise    string `mapstructure:"advertise"`

	// HealthAdvertise is the health endpoint the coordinator probes.
	HealthAdvertise string `mapstructure:"health_advertise"`
	// NumSegments is the number of primaries rows are hashed over.
	NumSegments      int `mapstructure:"num_segments"`
	RegisterAttempts int `mapstructure:"register_attempts"`
}

// DispatchConfig holds the event-loop timeouts of the dispatch engine.
type DispatchConfig struct {
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout"`
	FlushPollTimeout time.Duration `mapstructure:"flush_poll_timeout"`
	CancelOnError    bool          `mapstructure:"cancel_on_error"`
}

// FTSConfig configures the fault detector.
type FTSConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ProbeRate    float64       `mapstructure:"probe_rate"`
	Workers      int           `mapstructure:"workers"`
}

// GangConfig configures gang creation.
type GangConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// SequenceConfig selects the sequence allocator backend.
type SequenceConfig struct {
	Backend   string `mapstructure:"backend"` // memory or redis
	RedisAddr string `mapstructure:"redis_addr"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Cache     int64  `mapstructure:"cache"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.admin_listen", ":8080")
	v.SetDefault("coordinator.topology_file", "")
	v.SetDefault("coordinator.owner_id", 1)

	v.SetDefault("node.dbid", 0)
	v.SetDefault("node.content_id", 0)
	v.SetDefault("node.listen", ":6000")
	v.SetDefault("node.health_listen", ":8081")
	v.SetDefault("node.coordinator", "")
	v.SetDefault("node.advertise", "")
	v.SetDefault("node.health_advertise", "")
	v.SetDefault("node.num_segments", 1)
	v.SetDefault("node.register_attempts", 10)

	v.SetDefault("dispatch.wait_timeout", 2*time.Second)
	v.SetDefault("dispatch.cancel_timeout", 100*time.Millisecond)
	v.SetDefault("dispatch.flush_poll_timeout", 500*time.Millisecond)
	v.SetDefault("dispatch.cancel_on_error", true)

	v.SetDefault("fts.interval", 10*time.Second)
	v.SetDefault("fts.probe_timeout", 2*time.Second)
	v.SetDefault("fts.max_failures", 3)
	v.SetDefault("fts.probe_rate", 1.0)
	v.SetDefault("fts.workers", 16)

	v.SetDefault("gang.connect_timeout", 10*time.Second)
	v.SetDefault("gang.retry_count", 5)
	v.SetDefault("gang.retry_delay", 200*time.Millisecond)

	v.SetDefault("sequence.backend", "memory")
	v.SetDefault("sequence.redis_addr", "127.0.0.1:6379")
	v.SetDefault("sequence.key_prefix", "gangway:seq:")
	v.SetDefault("sequence.cache", 1)

	def := logging.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment overrides apply.
//
// Parameters:
//   - path: Optional YAML config file
//
// Returns:
//   - *Config: Fully populated configuration
//   - error: File read or decode failure
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.WaitTimeout <= 0 || c.Dispatch.CancelTimeout <= 0 || c.Dispatch.FlushPollTimeout <= 0 {
		return errors.New("dispatch timeouts must be positive")
	}
	if c.FTS.MaxFailures < 1 {
		return errors.New("fts.max_failures must be at least 1")
	}
	if c.Gang.RetryCount < 0 {
		return errors.New("gang.retry_count must not be negative")
	}
	switch c.Sequence.Backend {
	case "memory", "redis":
	default:
		return errors.Errorf("unknown sequence backend %q", c.Sequence.Backend)
	}
	return nil
}
