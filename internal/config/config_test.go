package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.State.Dir != ".continuum" {
		t.Errorf("State.Dir = %q, want %q", cfg.State.Dir, ".continuum")
	}
	if cfg.Reload.StalenessWindow != 5*time.Minute {
		t.Errorf("Reload.StalenessWindow = %v, want 5m", cfg.Reload.StalenessWindow)
	}
	if cfg.Reload.ForceOnNewSession {
		t.Error("Reload.ForceOnNewSession should be false by default")
	}
	if !cfg.Session.CaptureRevision {
		t.Error("Session.CaptureRevision should be true by default")
	}
	if cfg.Session.RevisionTimeout() != 2*time.Second {
		t.Errorf("Session.RevisionTimeout() = %v, want 2s", cfg.Session.RevisionTimeout())
	}
	if cfg.Hook.Timeout != time.Minute {
		t.Errorf("Hook.Timeout = %v, want 60s", cfg.Hook.Timeout)
	}
	if cfg.Workflow.Default != "default" {
		t.Errorf("Workflow.Default = %q", cfg.Workflow.Default)
	}
	if !cfg.Logging.Enabled || cfg.Logging.Level != "info" || cfg.Logging.MaxSizeMB != 5 || cfg.Logging.MaxBackups != 2 {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Output.Color != "auto" {
		t.Errorf("Output.Color = %q", cfg.Output.Color)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME when set", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")

		if got := ConfigDir(); got != "/custom/config/continuum" {
			t.Errorf("ConfigDir() = %q", got)
		}
		if got := ConfigFile(); got != "/custom/config/continuum/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("falls back to ~/.config/continuum", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")

		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("cannot determine home directory")
		}
		if got, want := ConfigDir(), filepath.Join(home, ".config", "continuum"); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestWorkflowSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	cfg := Default()
	cfg.Workflow.SearchPaths = []string{"/team/workflows"}

	got := cfg.WorkflowSearchPaths()
	want := []string{"/team/workflows", "/xdg/continuum/workflows"}
	if len(got) != len(want) {
		t.Fatalf("WorkflowSearchPaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WorkflowSearchPaths()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Reload.StalenessWindow != 5*time.Minute {
		t.Errorf("Get().Reload.StalenessWindow = %v", cfg.Reload.StalenessWindow)
	}
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	stateDir := t.TempDir()
	content := []byte(`
reload:
  staleness_window: 90s
  force_on_new_session: true
workflow:
  default: delivery
  search_paths: [/srv/workflows]
logging:
  level: debug
`)
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), content, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CONTINUUM_OUTPUT_COLOR", "never")

	Configure("", stateDir)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reload.StalenessWindow != 90*time.Second || !cfg.Reload.ForceOnNewSession {
		t.Errorf("Reload = %+v", cfg.Reload)
	}
	if cfg.Workflow.Default != "delivery" || len(cfg.Workflow.SearchPaths) != 1 {
		t.Errorf("Workflow = %+v", cfg.Workflow)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.MaxSizeMB != 5 {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Output.Color != "never" {
		t.Errorf("Output.Color = %q, want env override", cfg.Output.Color)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("output.color", "rainbow")
	viper.Set("hook.timeout", "0s")

	_, err := Load()
	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error = %v, want ValidationErrors", err)
	}
	if len(errs) != 2 {
		t.Errorf("got %d validation errors: %v", len(errs), errs)
	}
}
