package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir      = ".notegrep"
	ConfigFileName = "config.yaml"
	IndexDirName   = "vector-index"
	IndexFileName  = "embeddings.json"
)

// Verbosity controls how chatty the injected loggers are.
type Verbosity string

const (
	VerbosityOff   Verbosity = "off"
	VerbosityWarn  Verbosity = "warn"
	VerbosityDebug Verbosity = "debug"
)

type Config struct {
	Version  int            `yaml:"version"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Vision   VisionConfig   `yaml:"vision"`
	Store    StoreConfig    `yaml:"store"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Watch    WatchConfig    `yaml:"watch"`
	Search   SearchConfig   `yaml:"search"`
	Ignore   []string       `yaml:"ignore"`
	Log      Verbosity      `yaml:"log,omitempty"`
}

type EmbedderConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
}

type VisionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

type StoreConfig struct {
	Backend string       `yaml:"backend"` // json | qdrant
	Qdrant  QdrantConfig `yaml:"qdrant,omitempty"`
}

type QdrantConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Port       int    `yaml:"port,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
}

type ChunkingConfig struct {
	TargetWords int `yaml:"target_words"`
	MaxWords    int `yaml:"max_words"`
	MinWords    int `yaml:"min_words"`
}

type WatchConfig struct {
	DebounceMs      int `yaml:"debounce_ms"`
	ActiveSweepSecs int `yaml:"active_sweep_secs"`
}

type SearchConfig struct {
	Limit        int     `yaml:"limit"`
	Threshold    float32 `yaml:"threshold"`
	MaxSources   int     `yaml:"max_sources"`
	MaxPerSource int     `yaml:"max_per_source"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Embedder: EmbedderConfig{
			Endpoint: "http://localhost:11434/v1",
			Model:    "nomic-embed-text",
		},
		Vision: VisionConfig{
			Enabled: false,
		},
		Store: StoreConfig{
			Backend: "json",
		},
		Chunking: ChunkingConfig{
			TargetWords: 200,
			MaxWords:    250,
			MinWords:    10,
		},
		Watch: WatchConfig{
			DebounceMs:      500,
			ActiveSweepSecs: 30,
		},
		Search: SearchConfig{
			Limit:        10,
			Threshold:    0.5,
			MaxSources:   4,
			MaxPerSource: 3,
		},
		Ignore: []string{
			".notegrep",
			".obsidian",
			".trash",
			".git",
			"node_modules",
		},
		Log: VerbosityWarn,
	}
}

func GetConfigDir(vaultRoot string) string {
	return filepath.Join(vaultRoot, ConfigDir)
}

func GetConfigPath(vaultRoot string) string {
	return filepath.Join(GetConfigDir(vaultRoot), ConfigFileName)
}

func GetIndexPath(vaultRoot string) string {
	return filepath.Join(GetConfigDir(vaultRoot), IndexDirName, IndexFileName)
}

func Load(vaultRoot string) (*Config, error) {
	configPath := GetConfigPath(vaultRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing configuration values so that older config
// files keep working after new fields are introduced.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Embedder.Endpoint == "" {
		c.Embedder.Endpoint = defaults.Embedder.Endpoint
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = defaults.Embedder.Model
	}

	if c.Vision.Endpoint == "" {
		c.Vision.Endpoint = c.Embedder.Endpoint
	}
	if c.Vision.APIKey == "" {
		c.Vision.APIKey = c.Embedder.APIKey
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == "qdrant" && c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = 6334
	}

	if c.Chunking.TargetWords <= 0 {
		c.Chunking.TargetWords = defaults.Chunking.TargetWords
	}
	if c.Chunking.MaxWords <= 0 {
		c.Chunking.MaxWords = defaults.Chunking.MaxWords
	}
	if c.Chunking.MinWords <= 0 {
		c.Chunking.MinWords = defaults.Chunking.MinWords
	}
	if c.Chunking.MaxWords < c.Chunking.TargetWords {
		c.Chunking.MaxWords = c.Chunking.TargetWords
	}

	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Watch.ActiveSweepSecs <= 0 {
		c.Watch.ActiveSweepSecs = defaults.Watch.ActiveSweepSecs
	}

	if c.Search.Limit <= 0 {
		c.Search.Limit = defaults.Search.Limit
	}
	if c.Search.MaxSources <= 0 {
		c.Search.MaxSources = defaults.Search.MaxSources
	}
	if c.Search.MaxPerSource <= 0 {
		c.Search.MaxPerSource = defaults.Search.MaxPerSource
	}

	if c.Log == "" {
		c.Log = defaults.Log
	}
}

func (c *Config) Save(vaultRoot string) error {
	configDir := GetConfigDir(vaultRoot)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := GetConfigPath(vaultRoot)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(vaultRoot string) bool {
	_, err := os.Stat(GetConfigPath(vaultRoot))
	return err == nil
}

// FindVaultRoot walks upward from the working directory until it finds a
// directory containing .notegrep/config.yaml.
func FindVaultRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := cwd
	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no notegrep vault found (run 'notegrep init' first)")
}
