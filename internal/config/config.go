package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the controller's full configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Deploy      DeployConfig      `yaml:"deploy" json:"deploy"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// StorageConfig contains storage paths.
type StorageConfig struct {
	// BackupRoot is the startup default used to seed the "backup_root"
	// setting when it has never been configured. After first boot the
	// database Setting row is authoritative (see resolveBackupRoot in
	// cmd/server).
	BackupRoot string `yaml:"backup_root" json:"backup_root"`
	DataDir    string `yaml:"data_dir" json:"data_dir"`
}

// ConcurrencyConfig contains the two configurable semaphore capacities
// from spec §4.6 (the job-exclusive semaphore has fixed capacity 1).
type ConcurrencyConfig struct {
	MaxGlobal    int `yaml:"max_global" json:"max_global"`
	MaxPerServer int `yaml:"max_per_server" json:"max_per_server"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
}

// DeployConfig contains agent-deployment settings (spec §4.4).
type DeployConfig struct {
	// BackupServerIP is the fallback controller IP used when the
	// SSH_CONNECTION-based detection in internal/deploy fails.
	BackupServerIP string `yaml:"backup_server_ip" json:"backup_server_ip"`
	AgentPort      int    `yaml:"agent_port" json:"agent_port"`
	// AgentBinaryPath is the compiled agent binary uploaded to new servers
	// during deploy, and served back to agents for self-update.
	AgentBinaryPath string `yaml:"agent_binary_path" json:"agent_binary_path"`
	// KnownHostsPath is the TOFU known_hosts file internal/ssh verifies
	// and records host keys against.
	KnownHostsPath string `yaml:"known_hosts_path" json:"known_hosts_path"`
	// TrustOnFirstUse allows internal/ssh to record and accept a host's key
	// on first connection instead of requiring it pre-populated.
	TrustOnFirstUse bool `yaml:"trust_on_first_use" json:"trust_on_first_use"`
}

// Load builds the configuration from defaults, an optional YAML file, then
// environment-variable overrides, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Path: "./data/backup-server.db",
		},
		Storage: StorageConfig{
			BackupRoot: getEnv("BACKUPS_DIR", "./data/backups-root"),
			DataDir:    "./data",
		},
		Concurrency: ConcurrencyConfig{
			MaxGlobal:    8,
			MaxPerServer: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Deploy: DeployConfig{
			AgentPort:       9990,
			AgentBinaryPath: getEnv("AGENT_BINARY_PATH", "./data/backup-agent"),
			KnownHostsPath:  getEnv("KNOWN_HOSTS_PATH", "./data/known_hosts"),
			TrustOnFirstUse: os.Getenv("SSH_TRUST_ON_FIRST_USE") != "false",
		},
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if n, err := parsePositiveInt(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if dir := os.Getenv("BACKUPS_DIR"); dir != "" {
		cfg.Storage.BackupRoot = dir
	}
	if n, err := parsePositiveIntEnv("MAX_CONCURRENT_GLOBAL"); err == nil && n > 0 {
		cfg.Concurrency.MaxGlobal = n
	}
	if n, err := parsePositiveIntEnv("MAX_CONCURRENT_PER_SERVER"); err == nil && n > 0 {
		cfg.Concurrency.MaxPerServer = n
	}
	if ip := os.Getenv("BACKUP_SERVER_IP"); ip != "" {
		cfg.Deploy.BackupServerIP = ip
	}
	if p := os.Getenv("AGENT_BINARY_PATH"); p != "" {
		cfg.Deploy.AgentBinaryPath = p
	}
	if p := os.Getenv("KNOWN_HOSTS_PATH"); p != "" {
		cfg.Deploy.KnownHostsPath = p
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	cfg.normalizeStoragePaths(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Concurrency.MaxGlobal <= 0 {
		return fmt.Errorf("concurrency.max_global must be positive")
	}
	if c.Concurrency.MaxPerServer <= 0 {
		return fmt.Errorf("concurrency.max_per_server must be positive")
	}
	if c.Concurrency.MaxPerServer > c.Concurrency.MaxGlobal {
		return fmt.Errorf("concurrency.max_per_server cannot exceed max_global")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parsePositiveIntEnv(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, fmt.Errorf("unset")
	}
	return parsePositiveInt(v)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}

func resolveConfigPath() string {
	candidates := []string{"./configs/config.yaml", "../configs/config.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "./configs/config.yaml"
}

// GetConfigPath returns the resolved config path.
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

// Save writes the configuration back to disk.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) normalizeStoragePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	if !filepath.IsAbs(baseDir) {
		if absBase, err := filepath.Abs(baseDir); err == nil {
			baseDir = absBase
		}
	}
	rootDir := baseDir
	if filepath.Base(baseDir) == "configs" {
		rootDir = filepath.Dir(baseDir)
	}

	resolvePath := func(value string) string {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return ""
		}
		if filepath.IsAbs(trimmed) {
			return filepath.Clean(trimmed)
		}
		return filepath.Clean(filepath.Join(rootDir, trimmed))
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = filepath.Join(rootDir, "data")
	}
	c.Storage.DataDir = resolvePath(c.Storage.DataDir)

	if strings.TrimSpace(c.Storage.BackupRoot) == "" {
		c.Storage.BackupRoot = filepath.Join(c.Storage.DataDir, "backups-root")
	}
	c.Storage.BackupRoot = resolvePath(c.Storage.BackupRoot)

	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "backup-server.db")
	}
	c.Database.Path = resolvePath(c.Database.Path)
}
