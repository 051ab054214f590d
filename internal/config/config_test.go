package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, DevelopmentAPIURL, c.APIBaseURL())

	c.Inference.Production = true
	require.Equal(t, ProductionAPIURL, c.APIBaseURL())

	c.Inference.BaseURL = "http://gpu-box:5004/"
	require.Equal(t, "http://gpu-box:5004", c.APIBaseURL())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	c := Default()
	c.Inference.FirstModel = "coarse.pt"
	c.Overlay.ReadyGrace = Duration(75 * time.Millisecond)
	require.NoError(t, c.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, c, loaded)
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"inference": {"production": true, "timeout": "5s"}}`), 0644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	require.True(t, c.Inference.Production)
	require.Equal(t, 5*time.Second, c.Inference.Timeout.Std())
	require.Equal(t, 1920, c.Compression.MaxWidthOrHeight)
	require.Equal(t, 0.5, c.Inference.DefaultConfidence)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"overlay": {"ready_grace": "soon"}}`), 0644))
	_, err = LoadFromFile(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DEFECT_API_BASE_URL":   "http://inference:5004",
		"DEFECT_PRODUCTION":     "true",
		"DEFECT_LISTEN_ADDR":    ":9000",
		"DEFECT_REPORT_BACKEND": "Ollama",
		"DEFECT_REPORT_URL":     "http://ollama:11434",
		"DEFECT_REPORT_MODEL":   "llava",
	}
	c := Default()
	require.NoError(t, c.ApplyEnv(func(k string) string { return env[k] }))
	require.Equal(t, "http://inference:5004", c.APIBaseURL())
	require.True(t, c.Inference.Production)
	require.Equal(t, ":9000", c.Server.ListenAddr)
	require.Equal(t, BackendOllama, c.Report.Backend)
	require.Equal(t, "llava", c.Report.Model)
	require.NoError(t, c.Validate())

	bad := Default()
	require.Error(t, bad.ApplyEnv(func(k string) string {
		if k == "DEFECT_PRODUCTION" {
			return "maybe"
		}
		return ""
	}))
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("DEFECT_LISTEN_ADDR=:7777\n"), 0644))
	t.Setenv("DEFECT_LISTEN_ADDR", "")
	require.NoError(t, os.Unsetenv("DEFECT_LISTEN_ADDR"))

	c, err := Load(filepath.Join(dir, "absent.json"), envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, ":7777", c.Server.ListenAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"confidence too low", func(c *Config) { c.Inference.DefaultConfidence = 0.001 }},
		{"quality zero", func(c *Config) { c.Compression.Quality = 0 }},
		{"jpeg quality", func(c *Config) { c.Overlay.JPEGQuality = 101 }},
		{"unknown backend", func(c *Config) { c.Report.Backend = "gpt" }},
		{"backend without model", func(c *Config) { c.Report.Backend = BackendLlamaCpp }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	require.Contains(t, GetConfigPath(), "config.json")
}
