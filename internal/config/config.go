package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds Harbour configuration.
type Config struct {
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Sanitizer  SanitizerConfig  `yaml:"sanitizer"`
	Server     ServerConfig     `yaml:"server"`
	Clients    []ClientConfig   `yaml:"clients"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type RecognizerConfig struct {
	Backend      string     `yaml:"backend"`       // prose | onnx
	PersonLabels []string   `yaml:"person_labels"` // model labels reported as PERSON
	ONNX         ONNXConfig `yaml:"onnx"`
}

type ONNXConfig struct {
	ModelDir          string `yaml:"model_dir"`           // holds model.onnx, config.json, tokenizer files
	SharedLibraryPath string `yaml:"shared_library_path"` // overridden by ONNXRUNTIME_SHARED_LIBRARY_PATH
	SeqLen            int    `yaml:"seq_len"`
	PoolSize          int    `yaml:"pool_size"`
	IntraThreads      int    `yaml:"intra_threads"`
	InterThreads      int    `yaml:"inter_threads"`
}

type SanitizerConfig struct {
	Title    string `yaml:"title"`
	Producer string `yaml:"producer"`
	Creator  string `yaml:"creator"`
	StripXMP *bool  `yaml:"strip_xmp"`
}

// StripXMPEnabled reports whether the catalog metadata stream is removed.
func (s SanitizerConfig) StripXMPEnabled() bool {
	return s.StripXMP == nil || *s.StripXMP
}

type ServerConfig struct {
	Addr          string `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
	MaxTextChars  int    `yaml:"max_text_chars"`
	MaxKnownNames int    `yaml:"max_known_names"`
	MaxPDFBytes   int64  `yaml:"max_pdf_bytes"`
}

// ClientConfig binds API keys to a caller identity. With no clients
// configured the HTTP server accepts unauthenticated requests.
type ClientConfig struct {
	ID      string   `yaml:"id"`
	APIKeys []string `yaml:"api_keys"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // json | console
	Output     string `yaml:"output"` // stderr | file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AuditConfig struct {
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Sinks           []AuditSinkConfig `yaml:"sinks"`
}

type AuditSinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook | sqlite
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// file_jsonl rotation; zero MaxSizeMB keeps a single growing file.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`

	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Recognizer.Backend == "" {
		cfg.Recognizer.Backend = "prose"
	}
	if len(cfg.Recognizer.PersonLabels) == 0 {
		cfg.Recognizer.PersonLabels = []string{"PER", "PERSON"}
	}
	if cfg.Recognizer.ONNX.SeqLen <= 0 {
		cfg.Recognizer.ONNX.SeqLen = 256
	}
	if cfg.Recognizer.ONNX.PoolSize <= 0 {
		cfg.Recognizer.ONNX.PoolSize = 1
	}

	if cfg.Sanitizer.Title == "" {
		cfg.Sanitizer.Title = "Confidential Report"
	}
	if cfg.Sanitizer.Producer == "" {
		cfg.Sanitizer.Producer = "Safe Harbour POSH Platform"
	}
	if cfg.Sanitizer.Creator == "" {
		cfg.Sanitizer.Creator = "Safe Harbour Report System"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 2 << 20
	}
	if cfg.Server.MaxTextChars <= 0 {
		cfg.Server.MaxTextChars = 100000
	}
	if cfg.Server.MaxKnownNames <= 0 {
		cfg.Server.MaxKnownNames = 10000
	}
	if cfg.Server.MaxPDFBytes <= 0 {
		cfg.Server.MaxPDFBytes = 32 << 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1000
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 1
	}
	if cfg.Audit.ShutdownTimeout <= 0 {
		cfg.Audit.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "harbour"
	}
}

func applyEnv(cfg *Config) {
	if lvl := strings.TrimSpace(os.Getenv("HARBOUR_LOG_LEVEL")); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if lib := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); lib != "" {
		cfg.Recognizer.ONNX.SharedLibraryPath = lib
	}
}
