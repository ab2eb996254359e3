// Package config provides configuration loading for cogflow.
//
// Values come from three layers: built-in defaults (Default), an optional
// YAML file, and COGFLOW_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete cogflow configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Engine     EngineConfig     `koanf:"engine"`
	Budget     BudgetConfig     `koanf:"budget"`
	Escalation EscalationConfig `koanf:"escalation"`
	Memory     MemoryConfig     `koanf:"memory"`
	Audit      AuditConfig      `koanf:"audit"`
	Events     EventsConfig     `koanf:"events"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Actions    ActionsConfig    `koanf:"actions"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the file/env view of logging settings. The logging
// package turns it into a zap configuration.
type LoggingConfig struct {
	Level    string            `koanf:"level"`
	Format   string            `koanf:"format"`
	OTEL     bool              `koanf:"otel"`
	Sampling bool              `koanf:"sampling"`
	Caller   bool              `koanf:"caller"`
	Fields   map[string]string `koanf:"fields"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig controls task execution.
type EngineConfig struct {
	MaxIterations      int      `koanf:"max_iterations"`
	StrictRouting      bool     `koanf:"strict_routing"`
	MaxConcurrentTasks int      `koanf:"max_concurrent_tasks"`
	StageTimeout       Duration `koanf:"stage_timeout"`
	ChildFraction      float64  `koanf:"child_fraction"`
	ContextResults     int      `koanf:"context_results"`
}

// BudgetConfig holds the root budget applied to every submitted task.
type BudgetConfig struct {
	MaxTokens     int      `koanf:"max_tokens"`
	MaxTime       Duration `koanf:"max_time"`
	MaxDepth      int      `koanf:"max_depth"`
	MaxParallel   int      `koanf:"max_parallel"`
	MaxIterations int      `koanf:"max_iterations"`
}

// EscalationConfig controls human-in-the-loop checkpoints.
type EscalationConfig struct {
	Enabled             bool     `koanf:"enabled"`
	Stages              []string `koanf:"stages"`
	SessionTTL          Duration `koanf:"session_ttl"`
	WaitTimeout         Duration `koanf:"wait_timeout"`
	Fallback            string   `koanf:"fallback"`
	ConfidenceThreshold float64  `koanf:"confidence_threshold"`
	GapThreshold        float64  `koanf:"gap_threshold"`
	CleanupInterval     Duration `koanf:"cleanup_interval"`
}

// MemoryConfig controls the validation gateway and memory backends.
type MemoryConfig struct {
	CommitAuthority string           `koanf:"commit_authority"`
	SystemWriter    string           `koanf:"system_writer"`
	ScrubSecrets    bool             `koanf:"scrub_secrets"`
	Semantic        VectorConfig     `koanf:"semantic"`
	Procedural      VectorConfig     `koanf:"procedural"`
	Embeddings      EmbeddingsConfig `koanf:"embeddings"`
}

// VectorConfig selects and configures a vector backend.
type VectorConfig struct {
	Provider   string `koanf:"provider"` // "chromem" or "qdrant"
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding model used by vector backends.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // "openai" or "ollama"
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
}

// AuditConfig selects the append-only audit store.
type AuditConfig struct {
	Driver string `koanf:"driver"` // "sqlite" or "memory"
	Path   string `koanf:"path"`
}

// EventsConfig controls NATS event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// GeneratorConfig selects the content generator.
type GeneratorConfig struct {
	Provider          string   `koanf:"provider"` // anthropic, openai, gemini, ollama
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	MaxTokens         int      `koanf:"max_tokens"`
	Temperature       float64  `koanf:"temperature"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	Timeout           Duration `koanf:"timeout"`
}

// ActionsConfig configures built-in action capabilities.
type ActionsConfig struct {
	HTTP HTTPActionConfig `koanf:"http"`
}

// HTTPActionConfig configures the http_request and html_extract capabilities.
type HTTPActionConfig struct {
	Enabled           bool     `koanf:"enabled"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	AllowedHosts      []string `koanf:"allowed_hosts"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes"`
}

// Default returns a configuration that runs locally without external
// services: embedded chromem vectors, SQLite audit, events disabled.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
			Caller:   true,
			Fields:   map[string]string{"service": "cogflow"},
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "cogflow",
			ServiceVersion:  "0.1.0",
			SampleRate:      1.0,
			MetricsEnabled:  true,
			ExportInterval:  Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Engine: EngineConfig{
			MaxIterations:      3,
			MaxConcurrentTasks: 8,
			StageTimeout:       Duration(2 * time.Minute),
			ChildFraction:      0.25,
			ContextResults:     3,
		},
		Budget: BudgetConfig{
			MaxTokens:     100000,
			MaxTime:       Duration(30 * time.Minute),
			MaxDepth:      3,
			MaxParallel:   4,
			MaxIterations: 10,
		},
		Escalation: EscalationConfig{
			Stages:              []string{"plan", "validate"},
			SessionTTL:          Duration(30 * time.Minute),
			WaitTimeout:         Duration(5 * time.Minute),
			Fallback:            "continue",
			ConfidenceThreshold: 0.6,
			GapThreshold:        0.75,
			CleanupInterval:     Duration(time.Minute),
		},
		Memory: MemoryConfig{
			CommitAuthority: "publisher",
			SystemWriter:    "system",
			ScrubSecrets:    true,
			Semantic: VectorConfig{
				Provider:   "chromem",
				Path:       "~/.local/share/cogflow/semantic",
				Collection: "semantic",
				Compress:   true,
				Host:       "localhost",
				Port:       6334,
				VectorSize: 768,
			},
			Procedural: VectorConfig{
				Provider:   "chromem",
				Path:       "~/.local/share/cogflow/procedural",
				Collection: "procedural",
				Compress:   true,
				Host:       "localhost",
				Port:       6334,
				VectorSize: 768,
			},
			Embeddings: EmbeddingsConfig{
				Provider: "ollama",
				Model:    "nomic-embed-text",
				BaseURL:  "http://localhost:11434",
			},
		},
		Audit: AuditConfig{
			Driver: "sqlite",
			Path:   "~/.local/share/cogflow/audit.db",
		},
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "cogflow",
		},
		Generator: GeneratorConfig{
			Provider:          "anthropic",
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         4096,
			Temperature:       0.2,
			RequestsPerSecond: 2,
			Burst:             4,
			Timeout:           Duration(90 * time.Second),
		},
		Actions: ActionsConfig{
			HTTP: HTTPActionConfig{
				Enabled:           true,
				Timeout:           Duration(20 * time.Second),
				RequestsPerSecond: 5,
				Burst:             5,
				MaxBodyBytes:      1 << 20,
			},
		},
	}
}

var validFallbacks = map[string]bool{"continue": true, "pause": true, "fail": true}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name required when telemetry is enabled")
	}
	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Budget.validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Escalation.validate(); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}
	if c.Memory.CommitAuthority == "" {
		return errors.New("memory.commit_authority is required")
	}
	if c.Memory.SystemWriter == "" || c.Memory.SystemWriter == c.Memory.CommitAuthority {
		return errors.New("memory.system_writer must be set and differ from commit_authority")
	}
	for name, v := range map[string]VectorConfig{"semantic": c.Memory.Semantic, "procedural": c.Memory.Procedural} {
		if v.Provider != "chromem" && v.Provider != "qdrant" {
			return fmt.Errorf("memory.%s.provider must be chromem or qdrant, got %q", name, v.Provider)
		}
	}
	if c.Audit.Driver != "sqlite" && c.Audit.Driver != "memory" {
		return fmt.Errorf("audit.driver must be sqlite or memory, got %q", c.Audit.Driver)
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return errors.New("events.url required when events are enabled")
	}
	return nil
}

func (e EngineConfig) validate() error {
	if e.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", e.MaxIterations)
	}
	if e.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", e.MaxConcurrentTasks)
	}
	if e.ChildFraction <= 0 || e.ChildFraction > 1 {
		return fmt.Errorf("child_fraction must be in (0, 1], got %v", e.ChildFraction)
	}
	return nil
}

func (b BudgetConfig) validate() error {
	if b.MaxTokens <= 0 || b.MaxTime.Duration() <= 0 {
		return errors.New("max_tokens and max_time must be positive")
	}
	if b.MaxDepth < 0 || b.MaxParallel < 1 || b.MaxIterations < 1 {
		return errors.New("max_depth must be >= 0, max_parallel and max_iterations >= 1")
	}
	return nil
}

func (e EscalationConfig) validate() error {
	if !validFallbacks[e.Fallback] {
		return fmt.Errorf("fallback must be continue, pause or fail, got %q", e.Fallback)
	}
	if e.ConfidenceThreshold < 0 || e.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0, 1], got %v", e.ConfidenceThreshold)
	}
	if e.Enabled && e.WaitTimeout.Duration() <= 0 {
		return errors.New("wait_timeout must be positive when escalation is enabled")
	}
	return nil
}
