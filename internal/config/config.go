package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rdqcc/defect-overlay/pkg/inference"
)

const (
	DevelopmentAPIURL = inference.DefaultBaseURL
	ProductionAPIURL  = inference.ProductionBaseURL
)

// Report backends.
const (
	BackendNone     = "none"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Inference   InferenceConfig   `json:"inference"`
	Compression CompressionConfig `json:"compression"`
	Overlay     OverlayConfig     `json:"overlay"`
	Report      ReportConfig      `json:"report"`
	Output      OutputConfig      `json:"output"`
}

// ServerConfig holds configuration for the HTTP gateway
type ServerConfig struct {
	ListenAddr      string   `json:"listen_addr"`
	AllowedOrigins  []string `json:"allowed_origins"`
	MaxUploadMB     int      `json:"max_upload_mb"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// InferenceConfig holds configuration for the inference API
type InferenceConfig struct {
	// BaseURL overrides the development/production selection when set.
	BaseURL           string   `json:"base_url"`
	Production        bool     `json:"production"`
	Timeout           Duration `json:"timeout"`
	FirstModel        string   `json:"first_model"`
	SecondModel       string   `json:"second_model"`
	DefaultConfidence float64  `json:"default_confidence"`
	Filter            bool     `json:"filter"`
	ProductCode       string   `json:"product_code"`
}

// CompressionConfig holds upload compression settings
type CompressionConfig struct {
	MaxSizeMB        float64 `json:"max_size_mb"`
	MaxWidthOrHeight int     `json:"max_width_or_height"`
	Quality          float64 `json:"quality"`
}

// OverlayConfig holds renderer settings
type OverlayConfig struct {
	JPEGQuality     int      `json:"jpeg_quality"`
	ReadyGrace      Duration `json:"ready_grace"`
	MaxCanvasPixels int      `json:"max_canvas_pixels"`
}

// ReportConfig selects the vision model used for written reports
type ReportConfig struct {
	Backend string `json:"backend"`
	URL     string `json:"url"`
	Model   string `json:"model"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	OutputDir string `json:"output_dir"`
	Prefix    string `json:"prefix"`
	Suffix    string `json:"suffix"`
}

// Duration is a time.Duration written as a string such as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			AllowedOrigins:  []string{"*"},
			MaxUploadMB:     32,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Inference: InferenceConfig{
			Timeout:           Duration(2 * time.Minute),
			DefaultConfidence: 0.5,
		},
		Compression: CompressionConfig{
			MaxSizeMB:        1,
			MaxWidthOrHeight: 1920,
			Quality:          0.7,
		},
		Overlay: OverlayConfig{
			JPEGQuality:     92,
			ReadyGrace:      Duration(50 * time.Millisecond),
			MaxCanvasPixels: 16384 * 16384,
		},
		Report: ReportConfig{
			Backend: BackendNone,
		},
		Output: OutputConfig{
			OutputDir: "./output",
			Suffix:    "_overlay",
		},
	}
}

// APIBaseURL returns the inference API root for the selected environment.
func (c *Config) APIBaseURL() string {
	if c.Inference.BaseURL != "" {
		return strings.TrimSuffix(c.Inference.BaseURL, "/")
	}
	if c.Inference.Production {
		return ProductionAPIURL
	}
	return DevelopmentAPIURL
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists (defaults otherwise), loads any .env files
// and applies DEFECT_* environment overrides.
func Load(filename string, envFiles ...string) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			config = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

// loadEnvFiles loads .env files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from DEFECT_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DEFECT_API_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := getenv("DEFECT_PRODUCTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEFECT_PRODUCTION: %w", err)
		}
		c.Inference.Production = b
	}
	if v := getenv("DEFECT_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := getenv("DEFECT_REPORT_BACKEND"); v != "" {
		c.Report.Backend = strings.ToLower(v)
	}
	if v := getenv("DEFECT_REPORT_URL"); v != "" {
		c.Report.URL = v
	}
	if v := getenv("DEFECT_REPORT_MODEL"); v != "" {
		c.Report.Model = v
	}
	return nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr cannot be empty")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	if c.Inference.DefaultConfidence < 0.01 || c.Inference.DefaultConfidence > 1 {
		return fmt.Errorf("inference.default_confidence must be between 0.01 and 1")
	}

	if c.Compression.MaxSizeMB <= 0 {
		return fmt.Errorf("compression.max_size_mb must be positive")
	}

	if c.Compression.MaxWidthOrHeight < 1 {
		return fmt.Errorf("compression.max_width_or_height must be positive")
	}

	if c.Compression.Quality <= 0 || c.Compression.Quality > 1 {
		return fmt.Errorf("compression.quality must be in (0, 1]")
	}

	if c.Overlay.JPEGQuality < 1 || c.Overlay.JPEGQuality > 100 {
		return fmt.Errorf("overlay.jpeg_quality must be between 1 and 100")
	}

	switch c.Report.Backend {
	case "", BackendNone:
	case BackendOllama, BackendLlamaCpp:
		if c.Report.Model == "" {
			return fmt.Errorf("report.model is required for backend %q", c.Report.Backend)
		}
	default:
		return fmt.Errorf("report.backend must be one of none, ollama, llamacpp")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "defect-overlay", "config.json")
}
