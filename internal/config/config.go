// Package config layers the session's runtime configuration the way the
// teacher repo layers bd's: a small set of bootstrap keys that must be known
// before any other subsystem opens (which state-store backend, where its
// file lives) live in a TOML sidecar read first, while everything else goes
// through a viper.Viper instance so flags, environment variables (prefixed
// TASKCORE_), and a config file all resolve through one precedence chain.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Bootstrap holds the handful of settings read before the state store opens.
// Kept out of viper's chain because by the time viper has merged flags, env,
// and a config file, the store already needs a backend name to attach to —
// this is the same "startup settings read before the database" split the
// teacher's config package draws, just scoped to our own bootstrap keys.
type Bootstrap struct {
	StateBackend string `toml:"state_backend"`
	StatePath    string `toml:"state_path"`
}

// DefaultBootstrapPath is the sidecar file read by LoadBootstrap when no
// explicit path is given.
const DefaultBootstrapPath = ".taskcore.bootstrap.toml"

// LoadBootstrap reads the bootstrap sidecar at path, defaulting every field
// left unset. A missing file is not an error: every field just takes its
// default.
func LoadBootstrap(path string) (*Bootstrap, error) {
	b := &Bootstrap{StateBackend: "file", StatePath: ".taskcore-state"}
	if path == "" {
		path = DefaultBootstrapPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return b, nil
	}
	if _, err := toml.DecodeFile(path, b); err != nil {
		return nil, fmt.Errorf("config: decode bootstrap file %s: %w", path, err)
	}
	if b.StateBackend == "" {
		b.StateBackend = "file"
	}
	if b.StatePath == "" {
		b.StatePath = ".taskcore-state"
	}
	return b, nil
}

// Config is the session's full runtime configuration, resolved through
// viper's precedence chain (explicit Set calls > flags > env > config file >
// defaults).
type Config struct {
	// MaxTasks bounds total admitted task count for the reactive controller
	// (§4.4 step 5); zero disables the bound.
	MaxTasks int
	// Parallelism is the executor's bounded-concurrency width; zero or one
	// means the sequential path (§5).
	Parallelism int
	// LogLevel is parsed by internal/corelog.ParseLevel.
	LogLevel string
	// ConvergenceTimeout bounds how long the reactive controller may run
	// before a session gives up waiting for convergence; zero means no
	// timeout (SPEC_FULL §A.3).
	ConvergenceTimeout time.Duration
	// NATSURL, if non-empty, mirrors committed target keys to an external
	// NATS subject (internal/eventstream). Empty disables mirroring.
	NATSURL     string
	NATSSubject string
}

// Load resolves Config from (in ascending precedence) built-in defaults, an
// optional config file at configPath, and TASKCORE_-prefixed environment
// variables. configPath may be empty to skip the file layer entirely.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKCORE")
	v.AutomaticEnv()

	v.SetDefault("max_tasks", 0)
	v.SetDefault("parallelism", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("convergence_timeout", "0s")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "taskcore.published")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	timeout, err := time.ParseDuration(v.GetString("convergence_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: convergence_timeout: %w", err)
	}

	return &Config{
		MaxTasks:           v.GetInt("max_tasks"),
		Parallelism:        v.GetInt("parallelism"),
		LogLevel:           v.GetString("log_level"),
		ConvergenceTimeout: timeout,
		NATSURL:            v.GetString("nats_url"),
		NATSSubject:        v.GetString("nats_subject"),
	}, nil
}
