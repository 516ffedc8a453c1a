// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port          int           `yaml:"port"`
	AdminAPIKey   string        `yaml:"admin_api_key"`
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type JobsConfig struct {
	RootDir   string `yaml:"root_dir"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

type ModelConfig struct {
	Name     string `yaml:"name"`
	File     string `yaml:"file"`
	MemoryMB int64  `yaml:"memory_mb"`
}

type ModelsConfig struct {
	CheckpointDir  string        `yaml:"checkpoint_dir"`
	MemoryBudgetMB int64         `yaml:"memory_budget_mb"`
	Strategy       string        `yaml:"strategy"` // auto|resident|sequential
	Ensemble       []ModelConfig `yaml:"ensemble"`
}

type InferenceConfig struct {
	ChunkSeconds int `yaml:"chunk_seconds"`
	ChunkStep    int `yaml:"chunk_step"`
	MinChunk     int `yaml:"min_chunk"`
	MaxAttempts  int `yaml:"max_attempts"`
	Concurrency  int `yaml:"concurrency"` // segments in flight per job
}

type SegmenterConfig struct {
	MaxSegmentSeconds float64 `yaml:"max_segment_seconds"`
}

type OutputConfig struct {
	Format       string   `yaml:"format"`
	Channels     int      `yaml:"channels"`
	BitrateKbps  int      `yaml:"bitrate_kbps"`
	DefaultStems []string `yaml:"default_stems"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type ToolsConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	DemucsPath  string `yaml:"demucs_path"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Models    ModelsConfig    `yaml:"models"`
	Inference InferenceConfig `yaml:"inference"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Output    OutputConfig    `yaml:"output"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Tools     ToolsConfig     `yaml:"tools"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	// Minimal validation
	if cfg.Models.CheckpointDir == "" {
		return nil, errors.New("models.checkpoint_dir is required")
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required when redis is enabled")
	}
	if cfg.Database.Enabled && cfg.Database.URL == "" {
		return nil, errors.New("database.url is required when database is enabled")
	}
	if cfg.Inference.ChunkSeconds <= cfg.Inference.MinChunk {
		return nil, fmt.Errorf("inference.chunk_seconds (%d) must exceed inference.min_chunk (%d)",
			cfg.Inference.ChunkSeconds, cfg.Inference.MinChunk)
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8185
	}
	if cfg.Server.SessionTTL <= 0 {
		cfg.Server.SessionTTL = 30 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Jobs.RootDir == "" {
		cfg.Jobs.RootDir = "jobs"
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 2
	}
	if cfg.Jobs.QueueSize <= 0 {
		cfg.Jobs.QueueSize = 16
	}
	if cfg.Models.Strategy == "" {
		cfg.Models.Strategy = "auto"
	}
	if cfg.Models.MemoryBudgetMB <= 0 {
		cfg.Models.MemoryBudgetMB = 8192
	}
	if len(cfg.Models.Ensemble) == 0 {
		cfg.Models.Ensemble = []ModelConfig{
			{Name: "kim_vocal_2", File: "Kim_Vocal_2.onnx", MemoryMB: 3072},
			{Name: "htdemucs_ft", File: "htdemucs_ft.th", MemoryMB: 4096},
		}
	}
	if cfg.Inference.ChunkSeconds <= 0 {
		cfg.Inference.ChunkSeconds = 40
	}
	if cfg.Inference.ChunkStep <= 0 {
		cfg.Inference.ChunkStep = 2
	}
	if cfg.Inference.MaxAttempts <= 0 {
		cfg.Inference.MaxAttempts = 20
	}
	if cfg.Inference.Concurrency <= 0 {
		cfg.Inference.Concurrency = 1
	}
	if cfg.Segmenter.MaxSegmentSeconds == 0 {
		cfg.Segmenter.MaxSegmentSeconds = 600
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "mp3"
	}
	if cfg.Output.Channels <= 0 {
		cfg.Output.Channels = 1
	}
	if cfg.Output.BitrateKbps <= 0 {
		cfg.Output.BitrateKbps = 192
	}
	if len(cfg.Output.DefaultStems) == 0 {
		cfg.Output.DefaultStems = []string{"instrumental"}
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
}
