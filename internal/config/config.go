// Package config loads the application configuration with the standard
// precedence: explicit runtime overrides > environment > config file >
// defaults. Environment variables use the FOREMAN_ prefix with dots
// replaced by underscores (FOREMAN_SERVER_PORT, FOREMAN_QUEUE_BACKEND).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
)

const (
	configName = "foreman"
	envPrefix  = "FOREMAN"
)

// ServerConfig configures the HTTP ingress server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is sustained ingress requests/second; RateBurst is the
	// token-bucket burst size.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	// Backend is one of: sqlite, file, memory.
	Backend string `mapstructure:"backend"`

	// Path is the SQLite database file or the file-backend root directory.
	// Empty defaults to the per-user app data directory.
	Path string `mapstructure:"path"`

	// Retention bounds how long terminal jobs are kept before gc.
	Retention time.Duration `mapstructure:"retention"`
}

// WorkspaceConfig configures git workspace allocation.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	SourceRepo   string `mapstructure:"source_repo"`
	BaseBranch   string `mapstructure:"base_branch"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// WorkerConfig configures the spawned worker process.
type WorkerConfig struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// GuardrailConfig configures validation before publication.
type GuardrailConfig struct {
	SyntaxGlobs []string      `mapstructure:"syntax_globs"`
	TestCommand []string      `mapstructure:"test_command"`
	TestGlobs   []string      `mapstructure:"test_globs"`
	TestTimeout time.Duration `mapstructure:"test_timeout"`
}

// OrchestratorConfig configures the claim pool and publication gates.
type OrchestratorConfig struct {
	Workers      int           `mapstructure:"workers"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	AutoCommit   bool          `mapstructure:"auto_commit"`
	AutoPublish  bool          `mapstructure:"auto_publish"`
	ReviewRepo   string        `mapstructure:"review_repo"`
	ReviewBase   string        `mapstructure:"review_base"`
}

// ReviewConfig configures the hosting-API client for review requests.
type ReviewConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ArtifactConfig selects and configures the artifact archive backend.
type ArtifactConfig struct {
	// Backend is one of: none, fs, s3.
	Backend string `mapstructure:"backend"`

	// Root is the filesystem backend's directory.
	Root string `mapstructure:"root"`

	Prefix string `mapstructure:"prefix"`

	// S3 backend settings.
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// SkillsConfig configures skill routing.
type SkillsConfig struct {
	// OverridesPath points at a YAML routing-override file. Empty means
	// the built-in routing table is used as-is.
	OverridesPath string `mapstructure:"overrides_path"`

	// Autonomy is the default autonomy level applied to manual triggers.
	Autonomy string `mapstructure:"autonomy"`
}

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Guardrail    GuardrailConfig    `mapstructure:"guardrail"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Review       ReviewConfig       `mapstructure:"review"`
	Artifact     ArtifactConfig     `mapstructure:"artifact"`
	Skills       SkillsConfig       `mapstructure:"skills"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.retention", "720h")

	v.SetDefault("workspace.base_branch", "main")
	v.SetDefault("workspace.branch_prefix", "foreman")

	v.SetDefault("worker.command", "foreman-worker")
	v.SetDefault("worker.default_timeout", "15m")

	v.SetDefault("guardrail.syntax_globs", []string{"**/*.go", "**/*.json", "**/*.yaml", "**/*.yml"})
	v.SetDefault("guardrail.test_timeout", "5m")

	v.SetDefault("orchestrator.workers", 2)
	v.SetDefault("orchestrator.claim_timeout", "5s")
	v.SetDefault("orchestrator.auto_commit", true)
	v.SetDefault("orchestrator.auto_publish", false)
	v.SetDefault("orchestrator.review_base", "main")

	v.SetDefault("review.timeout", "30s")

	v.SetDefault("artifact.backend", "none")
	v.SetDefault("artifact.prefix", "foreman")
}

// Load reads configuration from defaults, an optional config file, and the
// environment. configFile may be empty; the standard locations are then
// searched (cwd, then the per-user app data directory).
func Load(ctx context.Context, configFile string) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dataDir := gfconfig.GetAppDataDir(configName); dataDir != "" {
			v.AddConfigPath(dataDir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
			// No config file is fine; defaults plus env apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDerived(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default relative to the app data directory.
func applyDerived(cfg *Config) {
	dataDir := gfconfig.GetAppDataDir(configName)
	if cfg.Queue.Path == "" && dataDir != "" {
		switch cfg.Queue.Backend {
		case "sqlite":
			cfg.Queue.Path = filepath.Join(dataDir, "queue", "jobs.db")
		case "file":
			cfg.Queue.Path = filepath.Join(dataDir, "queue")
		}
	}
	if cfg.Workspace.Root == "" {
		if dataDir != "" {
			cfg.Workspace.Root = filepath.Join(dataDir, "workspaces")
		} else {
			cfg.Workspace.Root = filepath.Join(os.TempDir(), "foreman-workspaces")
		}
	}
	if cfg.Artifact.Backend == "fs" && cfg.Artifact.Root == "" && dataDir != "" {
		cfg.Artifact.Root = filepath.Join(dataDir, "artifacts")
	}
}

func validate(cfg *Config) error {
	switch cfg.Queue.Backend {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("config: unknown queue backend %q", cfg.Queue.Backend)
	}
	switch cfg.Artifact.Backend {
	case "none", "fs", "s3":
	default:
		return fmt.Errorf("config: unknown artifact backend %q", cfg.Artifact.Backend)
	}
	if cfg.Artifact.Backend == "s3" && cfg.Artifact.Bucket == "" {
		return fmt.Errorf("config: artifact backend s3 requires artifact.bucket")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", cfg.Server.Port)
	}
	return nil
}
