package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"caseline/internal/classify"
	"caseline/internal/domain"
)

// Config models caseline.yml.
type Config struct {
	Pipeline struct {
		Mode            string `yaml:"mode"`
		ExternalRetries int    `yaml:"external_retries"`
	} `yaml:"pipeline"`
	Routes map[string]Route `yaml:"routes"`
	Decide struct {
		RecentProposals         int `yaml:"recent_proposals"`
		EscalateAfterDismissals int `yaml:"escalate_after_dismissals"`
		LessonAfterDismissals   int `yaml:"lesson_after_dismissals"`
	} `yaml:"decide"`
	Gate struct {
		ApprovalWindowDays int `yaml:"approval_window_days"`
	} `yaml:"gate"`
	Safety struct {
		MaxWords         map[string]int      `yaml:"max_words"`
		ForbiddenPhrases map[string][]string `yaml:"forbidden_phrases"`
		SignatureBlock   string              `yaml:"signature_block"`
	} `yaml:"safety"`
	Guard struct {
		FailureWindowHours   int `yaml:"failure_window_hours"`
		FailureThreshold     int `yaml:"failure_threshold"`
		DailyCap             int `yaml:"daily_cap"`
		LifetimeCap          int `yaml:"lifetime_cap"`
		DedupWindowMinutes   int `yaml:"dedup_window_minutes"`
		CredentialMaxAgeDays int `yaml:"credential_max_age_days"`
	} `yaml:"guard"`
	FollowUp struct {
		IntervalDays int `yaml:"interval_days"`
	} `yaml:"followup"`
	Model struct {
		ClassifierURL string `yaml:"classifier_url"`
		DrafterURL    string `yaml:"drafter_url"`
		APIKey        string `yaml:"api_key"`
	} `yaml:"model"`
	Mirror struct {
		URL     string `yaml:"url"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"mirror"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Route is one row of the decision table: where an intent goes by default.
type Route struct {
	Action        string `yaml:"action"`
	Auto          bool   `yaml:"auto"`
	RequiresHuman bool   `yaml:"requires_human"`
	Research      string `yaml:"research"`
	Complete      bool   `yaml:"complete"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case "supervised", "autonomous":
	default:
		return fmt.Errorf("config.pipeline.mode must be supervised or autonomous")
	}
	if c.Pipeline.ExternalRetries < 0 {
		return fmt.Errorf("config.pipeline.external_retries must be >= 0")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("config.routes is required")
	}
	for intent, route := range c.Routes {
		if _, ok := classify.Spec(intent); !ok {
			return fmt.Errorf("route for unknown intent %s", intent)
		}
		if !domain.KnownAction(route.Action) {
			return fmt.Errorf("route for intent %s names unknown action %s", intent, route.Action)
		}
		switch route.Research {
		case "", "none", "shallow", "deep":
		default:
			return fmt.Errorf("route for intent %s has invalid research level %s", intent, route.Research)
		}
		if route.Auto && route.RequiresHuman {
			return fmt.Errorf("route for intent %s cannot be both auto and requires_human", intent)
		}
	}
	if c.Decide.RecentProposals <= 0 {
		return fmt.Errorf("config.decide.recent_proposals must be > 0")
	}
	if c.Decide.EscalateAfterDismissals <= 0 {
		return fmt.Errorf("config.decide.escalate_after_dismissals must be > 0")
	}
	if c.Gate.ApprovalWindowDays <= 0 {
		return fmt.Errorf("config.gate.approval_window_days must be > 0")
	}
	for action := range c.Safety.MaxWords {
		if !domain.KnownAction(action) {
			return fmt.Errorf("safety.max_words names unknown action %s", action)
		}
	}
	for action := range c.Safety.ForbiddenPhrases {
		if !domain.KnownAction(action) {
			return fmt.Errorf("safety.forbidden_phrases names unknown action %s", action)
		}
	}
	if c.Guard.FailureThreshold <= 0 || c.Guard.FailureWindowHours <= 0 {
		return fmt.Errorf("config.guard failure window and threshold must be > 0")
	}
	if c.Guard.DailyCap <= 0 || c.Guard.LifetimeCap <= 0 {
		return fmt.Errorf("config.guard daily and lifetime caps must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  mode: supervised
  external_retries: 2

routes:
  acknowledgment:
    action: none
    complete: true
  records_released:
    action: none
    complete: true
  extension_notice:
    action: none
    complete: true
  partial_release:
    action: send_followup
    requires_human: true
    research: shallow
  no_records:
    action: send_followup
    requires_human: true
    research: deep
  fee_request:
    action: negotiate_fee
    requires_human: true
  denial:
    action: appeal_denial
    requires_human: true
    research: deep
  clarification_request:
    action: answer_clarification
    auto: true
  wrong_agency:
    action: redirect_agency
    requires_human: true
    research: shallow
  portal_redirect:
    action: portal_submit
    requires_human: true
  unknown:
    action: escalate
    requires_human: true

decide:
  recent_proposals: 5
  escalate_after_dismissals: 3
  lesson_after_dismissals: 2

gate:
  approval_window_days: 30

safety:
  max_words:
    send_followup: 250
    answer_clarification: 200
    negotiate_fee: 300
    appeal_denial: 600
    redirect_agency: 200
    portal_submit: 400
    escalate: 150
  forbidden_phrases:
    portal_submit:
      - "legally obligated"
      - "required by law"
      - "statute"
    send_followup:
      - "legal action"
    answer_clarification:
      - "statute"
  signature_block: "Records Requests Desk"

guard:
  failure_window_hours: 24
  failure_threshold: 3
  daily_cap: 3
  lifetime_cap: 10
  dedup_window_minutes: 60
  credential_max_age_days: 14

followup:
  interval_days: 7

# Leave the model urls empty to run the offline rule-based classifier and
# template drafter.
model:
  classifier_url: ""
  drafter_url: ""
  api_key: ""

mirror:
  url: ""
  enabled: false
`
