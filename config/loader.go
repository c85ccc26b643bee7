package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "goi.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/goi"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
	home   func() (string, error)
	cwd    func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger,
		getenv: os.Getenv,
		home:   os.UserHomeDir,
		cwd:    os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/goi/config.yaml)
// 3. Project config (goi.yaml in current or parent directories), or
// explicitPath when given
// 4. Environment variables (GOI_*, NATS_URL, OPENAI_API_KEY)
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := readLayer(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load the explicit or project config
	if explicitPath != "" {
		projectConfig, err := readLayer(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		config.Merge(projectConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := readLayer(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides config from environment variables.
func (l *Loader) applyEnv(c *Config) error {
	env := &Config{}
	env.Server.Addr = l.getenv("GOI_ADDR")
	env.Storage.Backend = l.getenv("GOI_STORAGE")
	env.Storage.Path = l.getenv("GOI_STORAGE_PATH")
	env.NATS.URL = l.getenv("NATS_URL")
	env.Session.DefaultMode = l.getenv("GOI_DEFAULT_MODE")
	env.Checkpoint.RulesDir = l.getenv("GOI_RULES_DIR")
	env.Executor.Provider = l.getenv("GOI_EXECUTOR")
	env.Executor.Endpoint = l.getenv("GOI_EXECUTOR_ENDPOINT")
	env.Executor.Model = l.getenv("GOI_EXECUTOR_MODEL")
	env.Executor.APIKey = l.getenv("GOI_EXECUTOR_API_KEY")
	if env.Executor.APIKey == "" {
		env.Executor.APIKey = l.getenv("OPENAI_API_KEY")
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"GOI_STEP_TIMEOUT", &env.Session.StepTimeout},
		{"GOI_IDLE_TTL", &env.Session.IdleTTL},
	}
	for _, d := range durations {
		raw := l.getenv(d.name)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}
	if raw := l.getenv("GOI_EVENT_BUFFER"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid GOI_EVENT_BUFFER: %w", err)
		}
		env.Events.Buffer = n
	}

	c.Merge(env)
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for goi.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.cwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
