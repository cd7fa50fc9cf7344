package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"caseline/internal/config"
	"caseline/internal/domain"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Pipeline.Mode != "supervised" {
		t.Fatalf("mode = %q", cfg.Pipeline.Mode)
	}
	if cfg.Gate.ApprovalWindowDays != 30 {
		t.Fatalf("approval window = %d", cfg.Gate.ApprovalWindowDays)
	}
	route, ok := cfg.Routes["clarification_request"]
	if !ok || route.Action != domain.ActionAnswerClarification || !route.Auto {
		t.Fatalf("clarification route = %+v", route)
	}
}

func TestDefaultMatchesTemplate(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
	if len(cfg.Routes) == 0 {
		t.Fatal("Default() has no routes")
	}
}

func TestValidateRejections(t *testing.T) {
	mutations := []struct {
		name string
		mut  func(*config.Config)
		want string
	}{
		{"bad mode", func(c *config.Config) { c.Pipeline.Mode = "yolo" }, "pipeline.mode"},
		{"no routes", func(c *config.Config) { c.Routes = nil }, "routes"},
		{"unknown intent", func(c *config.Config) { c.Routes["made_up"] = c.Routes["unknown"] }, "unknown intent"},
		{"unknown action", func(c *config.Config) {
			r := c.Routes["unknown"]
			r.Action = "launch_missiles"
			c.Routes["unknown"] = r
		}, "unknown action"},
		{"auto and human", func(c *config.Config) {
			r := c.Routes["clarification_request"]
			r.RequiresHuman = true
			c.Routes["clarification_request"] = r
		}, "auto and requires_human"},
		{"bad research", func(c *config.Config) {
			r := c.Routes["denial"]
			r.Research = "exhaustive"
			c.Routes["denial"] = r
		}, "research"},
		{"zero window", func(c *config.Config) { c.Gate.ApprovalWindowDays = 0 }, "approval_window_days"},
		{"zero threshold", func(c *config.Config) { c.Guard.FailureThreshold = 0 }, "threshold"},
		{"bad safety action", func(c *config.Config) { c.Safety.MaxWords = map[string]int{"nonsense": 10} }, "max_words"},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil; got %v, %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoadMissingFileMentionsImport(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config import") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caseline.yml")
	if err := os.WriteFile(path, []byte("routes: [not, a, map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.FromFile(path); err == nil {
		t.Fatal("want parse error")
	}
}
