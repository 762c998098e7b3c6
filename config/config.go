package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/docflow/internal/models"
)

// Config is the single configuration object for both binaries. It is
// constructed once at process start and passed by reference; no component
// reads environment variables on its own.
type Config struct {
	Logging  LoggingConfig      `yaml:"logging"`
	Redis    RedisConfig        `yaml:"redis"`
	Storage  StorageConfig      `yaml:"storage"`
	Queue    QueueConfig        `yaml:"queue"`
	Worker   WorkerConfig       `yaml:"worker"`
	Gateway  GatewayConfig      `yaml:"gateway"`
	Renderer RendererConfig     `yaml:"renderer"`
	Stages   models.StageConfig `yaml:"stages"`
	Metadata MetadataConfig     `yaml:"metadata"`
	Index    IndexConfig        `yaml:"index"`
	Intake   IntakeConfig       `yaml:"intake"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
}

// Duration decodes YAML values like "5m" or "30s". yaml.v3 has no
// native time.Duration support.
type Duration time.Duration

// D unwraps to time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Backend        string `yaml:"backend"` // "minio" or "s3"
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"accessKey"`
	SecretKey      string `yaml:"secretKey"`
	UseSSL         bool   `yaml:"useSSL"`
	Bucket         string `yaml:"bucket"`
	IncomingPrefix string `yaml:"incomingPrefix"`
	OutputPrefix   string `yaml:"outputPrefix"`
}

type QueueConfig struct {
	Name             string   `yaml:"name"`
	LockDuration     Duration `yaml:"lockDuration"`
	MaxDeliveryCount int      `yaml:"maxDeliveryCount"`
}

type WorkerConfig struct {
	MinExecutions   int      `yaml:"minExecutions"`
	MaxExecutions   int      `yaml:"maxExecutions"`
	PollingInterval Duration `yaml:"pollingInterval"`
	DocumentTimeout Duration `yaml:"documentTimeout"`
	PageConcurrency int      `yaml:"pageConcurrency"`
}

type GatewayConfig struct {
	Provider       string   `yaml:"provider"` // "openai" or "ollama"
	BaseURL        string   `yaml:"baseURL"`
	APIKey         string   `yaml:"apiKey"`
	TextModel      string   `yaml:"textModel"`
	VisionModel    string   `yaml:"visionModel"`
	MaxRetries     int      `yaml:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	RequestTimeout Duration `yaml:"requestTimeout"`
}

type RendererConfig struct {
	DPI          float64 `yaml:"dpi"`
	JPEGQuality  int     `yaml:"jpegQuality"`
	MaxDimension int     `yaml:"maxDimension"`
	OCRFallback  bool    `yaml:"ocrFallback"`
}

type MetadataConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type IndexConfig struct {
	KeyPrefix string `yaml:"keyPrefix"`
}

type IntakeConfig struct {
	ListenAddr         string   `yaml:"listenAddr"`
	IncludedEventTypes []string `yaml:"includedEventTypes"`
	SubjectBeginsWith  string   `yaml:"subjectBeginsWith"`
	SubjectEndsWith    string   `yaml:"subjectEndsWith"`
	ListenBucket       bool     `yaml:"listenBucket"`
}

// Load builds the configuration from an optional YAML file plus
// environment overrides for secrets. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Storage: StorageConfig{
			Backend:        "minio",
			Endpoint:       "localhost:9000",
			Bucket:         "documents",
			IncomingPrefix: "incoming/",
			OutputPrefix:   "processed/",
		},
		Queue: QueueConfig{
			Name:             "doc-process-queue",
			LockDuration:     Duration(5 * time.Minute),
			MaxDeliveryCount: 3,
		},
		Worker: WorkerConfig{
			MinExecutions:   0,
			MaxExecutions:   5,
			PollingInterval: Duration(30 * time.Second),
			DocumentTimeout: Duration(30 * time.Minute),
			PageConcurrency: 4,
		},
		Gateway: GatewayConfig{
			Provider:       "openai",
			TextModel:      "gpt-4o",
			VisionModel:    "gpt-4o",
			MaxRetries:     3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			RequestTimeout: Duration(2 * time.Minute),
		},
		Renderer: RendererConfig{
			DPI:          150,
			JPEGQuality:  85,
			MaxDimension: 2048,
		},
		Stages:   models.DefaultStageConfig(),
		Metadata: MetadataConfig{SQLitePath: "data/docflow.db"},
		Index:    IndexConfig{KeyPrefix: "docflow:index"},
		Intake: IntakeConfig{
			ListenAddr:         ":8080",
			IncludedEventTypes: []string{"ObjectCreated"},
			SubjectBeginsWith:  "incoming/",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
}

// Validate rejects configurations the pipeline cannot run under.
func (c *Config) Validate() error {
	if c.Storage.Backend != "minio" && c.Storage.Backend != "s3" {
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket must be set")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue name must be set")
	}
	if c.Queue.MaxDeliveryCount < 1 {
		return fmt.Errorf("queue maxDeliveryCount must be at least 1")
	}
	if c.Queue.LockDuration <= 0 {
		return fmt.Errorf("queue lockDuration must be positive")
	}
	if c.Worker.MaxExecutions < 1 {
		return fmt.Errorf("worker maxExecutions must be at least 1")
	}
	if c.Worker.MinExecutions < 0 || c.Worker.MinExecutions > c.Worker.MaxExecutions {
		return fmt.Errorf("worker minExecutions must be between 0 and maxExecutions")
	}
	if c.Worker.PageConcurrency < 1 {
		return fmt.Errorf("worker pageConcurrency must be at least 1")
	}
	if c.Worker.DocumentTimeout <= 0 {
		return fmt.Errorf("worker documentTimeout must be positive")
	}
	if c.Gateway.Provider != "openai" && c.Gateway.Provider != "ollama" {
		return fmt.Errorf("invalid gateway provider %q", c.Gateway.Provider)
	}
	if c.Renderer.DPI <= 0 {
		return fmt.Errorf("renderer dpi must be positive")
	}
	if c.Renderer.JPEGQuality < 1 || c.Renderer.JPEGQuality > 100 {
		return fmt.Errorf("renderer jpegQuality must be within [1,100]")
	}
	return nil
}
