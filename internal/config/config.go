package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// BrokerConfig controls the job queue shared between the API and the
// worker pool.
type BrokerConfig struct {
	Queue               string `yaml:"queue"`
	VisibilityTimeoutMs int    `yaml:"visibilityTimeoutMs"`
	DequeueTimeoutMs    int    `yaml:"dequeueTimeoutMs"`
	SweepIntervalMs     int    `yaml:"sweepIntervalMs"`
}

// WorkerConfig bounds concurrent simulation load. Pool size is the
// admission-control knob: simulations are resource heavy, so the pool
// is fixed rather than elastic.
type WorkerConfig struct {
	PoolSize    int `yaml:"poolSize"`
	MaxAttempts int `yaml:"maxAttempts"`
}

// PipelineConfig carries per-stage time budgets and run defaults.
type PipelineConfig struct {
	PreconditionTimeoutMs int     `yaml:"preconditionTimeoutMs"`
	ConditioningTimeoutMs int     `yaml:"conditioningTimeoutMs"`
	SimulationTimeoutMs   int     `yaml:"simulationTimeoutMs"`
	RenderTimeoutMs       int     `yaml:"renderTimeoutMs"`
	PublishTimeoutMs      int     `yaml:"publishTimeoutMs"`
	MaxAreaKm2            float64 `yaml:"maxAreaKm2"`

	DefaultResolutionMetres      float64 `yaml:"defaultResolutionMetres"`
	DefaultEndTimeSeconds        int     `yaml:"defaultEndTimeSeconds"`
	DefaultOutputTimestepSeconds int     `yaml:"defaultOutputTimestepSeconds"`
	DefaultProjectedYear         int     `yaml:"defaultProjectedYear"`
	DefaultConfidenceLevel       string  `yaml:"defaultConfidenceLevel"`
}

func msOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (c PipelineConfig) PreconditionTimeout() time.Duration {
	return msOr(c.PreconditionTimeoutMs, 10*time.Second)
}

func (c PipelineConfig) ConditioningTimeout() time.Duration {
	return msOr(c.ConditioningTimeoutMs, 10*time.Minute)
}

func (c PipelineConfig) SimulationTimeout() time.Duration {
	return msOr(c.SimulationTimeoutMs, 2*time.Hour)
}

func (c PipelineConfig) RenderTimeout() time.Duration {
	return msOr(c.RenderTimeoutMs, 2*time.Minute)
}

func (c PipelineConfig) PublishTimeout() time.Duration {
	return msOr(c.PublishTimeoutMs, time.Minute)
}

// TotalBudget is the upper bound on one attempt's wall-clock time: the
// sum of every stage's budget. A running job untouched for longer than
// this lost its worker.
func (c PipelineConfig) TotalBudget() time.Duration {
	return c.PreconditionTimeout() + c.ConditioningTimeout() + c.SimulationTimeout() +
		c.RenderTimeout() + c.PublishTimeout()
}

func (c BrokerConfig) VisibilityTimeout() time.Duration {
	return msOr(c.VisibilityTimeoutMs, 5*time.Minute)
}

func (c BrokerConfig) DequeueTimeout() time.Duration {
	return msOr(c.DequeueTimeoutMs, 5*time.Second)
}

func (c BrokerConfig) SweepInterval() time.Duration {
	return msOr(c.SweepIntervalMs, 30*time.Second)
}

func (c DEMConfig) Timeout() time.Duration {
	return msOr(c.TimeoutMs, 30*time.Second)
}

func (c SimulationConfig) PollInterval() time.Duration {
	return msOr(c.PollIntervalMs, 2*time.Second)
}

func (c GeoServerConfig) Timeout() time.Duration {
	return msOr(c.TimeoutMs, 30*time.Second)
}

// DEMConfig points at the DEM-conditioning / hydrological
// preprocessing service.
type DEMConfig struct {
	BaseURL   string `yaml:"baseURL"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// SimulationConfig points at the flood-simulation engine control API.
type SimulationConfig struct {
	BaseURL        string `yaml:"baseURL"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	GPUDevice      int    `yaml:"gpuDevice"`
}

// RendererConfig controls the headless-browser report renderer.
type RendererConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BrowserURL    string `yaml:"browserURL"`
	ViewerBaseURL string `yaml:"viewerBaseURL"`
	FullPage      bool   `yaml:"fullPage"`
	OutputDir     string `yaml:"outputDir"`
}

// GeoServerConfig points at the map server that serves published
// flood rasters to clients.
type GeoServerConfig struct {
	BaseURL   string `yaml:"baseURL"`
	Workspace string `yaml:"workspace"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// RetentionConfig controls TTL-like deletion of old terminal jobs so
// that the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	SucceededDays          int  `yaml:"succeededDays"`
	FailedDays             int  `yaml:"failedDays"`
	CancelledDays          int  `yaml:"cancelledDays"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Broker     BrokerConfig     `yaml:"broker"`
	Worker     WorkerConfig     `yaml:"worker"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	DEM        DEMConfig        `yaml:"dem"`
	Simulation SimulationConfig `yaml:"simulation"`
	Renderer   RendererConfig   `yaml:"renderer"`
	GeoServer  GeoServerConfig  `yaml:"geoserver"`
	Retention  RetentionConfig  `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}
