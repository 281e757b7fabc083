package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models cycleline.yml: the workflow template for a test cycle.
type Config struct {
	Cycle struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"cycle"`
	Phases          []PhaseTemplate              `yaml:"phases"`
	AssignmentTypes map[string]AssignmentType    `yaml:"assignment_types"`
	Roles           []string                     `yaml:"roles"`
	Status          struct {
		RiskWindowHours int `yaml:"risk_window_hours"`
	} `yaml:"status"`
	Notifications struct {
		Endpoints []NotificationEndpoint `yaml:"endpoints"`
	} `yaml:"notifications"`
}

/// PhaseTemplate defines one phase of the workflow: its position, planned
// duration, activities and the approval gates that block completion.
type PhaseTemplate struct {
	Name          string             `yaml:"name"`
	DurationDays  int                `yaml:"duration_days"`
	Activities    []ActivityTemplate `yaml:"activities"`
	ApprovalGates []string           `yaml:"approval_gates"`
}

// ActivityTemplate defines one activity within a phase template.
type ActivityTemplate struct {
	Name     string `yaml:"name"`
	Required *bool  `yaml:"required"`
}

// IsRequired reports whether the activity blocks phase completion. Activities
// are required unless the template says otherwise.
func (a ActivityTemplate) IsRequired() bool {
	return a.Required == nil || *a.Required
}

// AssignmentType is one entry of the assignment-type catalog.
type AssignmentType struct {
	Description string `yaml:"description"`
	DefaultRole string `yaml:"default_role"`
	Approval    bool   `yaml:"approval"`
}

// NotificationEndpoint configures one notification target for the dispatcher.
type NotificationEndpoint struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cyl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cycle.ID == "" {
		return fmt.Errorf("config.cycle.id is required")
	}
	if c.Cycle.Kind != "report-testing" {
		return fmt.Errorf("config.cycle.kind must be 'report-testing'")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	seenPhase := map[string]bool{}
	for i, phase := range c.Phases {
		if phase.Name == "" {
			return fmt.Errorf("config.phases[%d] has empty name", i)
		}
		if seenPhase[phase.Name] {
			return fmt.Errorf("phase %s defined twice", phase.Name)
		}
		seenPhase[phase.Name] = true
		if phase.DurationDays < 0 {
			return fmt.Errorf("phase %s has negative duration", phase.Name)
		}
		seenActivity := map[string]bool{}
		for _, act := range phase.Activities {
			if act.Name == "" {
				return fmt.Errorf("phase %s has activity with empty name", phase.Name)
			}
			if seenActivity[act.Name] {
				return fmt.Errorf("phase %s defines activity %s twice", phase.Name, act.Name)
			}
			seenActivity[act.Name] = true
		}
		for _, gate := range phase.ApprovalGates {
			if gate == "" {
				return fmt.Errorf("phase %s has empty approval gate", phase.Name)
			}
			at, ok := c.AssignmentTypes[gate]
			if !ok {
				return fmt.Errorf("phase %s gate %s is not in the assignment type catalog", phase.Name, gate)
			}
			if !at.Approval {
				return fmt.Errorf("phase %s gate %s is not an approval assignment type", phase.Name, gate)
			}
		}
	}
	roleSet := map[string]bool{}
	for _, role := range c.Roles {
		if role == "" {
			return fmt.Errorf("config.roles contains empty role")
		}
		roleSet[role] = true
	}
	for name, at := range c.AssignmentTypes {
		if name == "" {
			return fmt.Errorf("config.assignment_types contains empty type name")
		}
		if at.DefaultRole != "" && len(roleSet) > 0 && !roleSet[at.DefaultRole] {
			return fmt.Errorf("assignment type %s default role %s is not a configured role", name, at.DefaultRole)
		}
	}
	if c.Status.RiskWindowHours < 0 {
		return fmt.Errorf("config.status.risk_window_hours must not be negative")
	}
	for i, ep := range c.Notifications.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("config.notifications.endpoints[%d] has empty url", i)
		}
	}
	return nil
}

// RiskWindowHours returns the configured risk warning window, defaulting to 72h.
func (c *Config) RiskWindowHours() int {
	if c.Status.RiskWindowHours > 0 {
		return c.Status.RiskWindowHours
	}
	return 72
}

// PhaseTemplateByName returns the template for a phase, if configured.
func (c *Config) PhaseTemplateByName(name string) (PhaseTemplate, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseTemplate{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cycleline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID string) string {
	return fmt.Sprintf(defaultTemplate, cycleID)
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

// Default returns the default Config struct for a cycle.
func Default(cycleID string) *Config {
	var cfg Config
	cfg.Cycle.ID = cycleID
	cfg.Cycle.Kind = "report-testing"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, cycleID))).Decode(&cfg)
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

const defaultTemplate = `cycle:
  id: %s
  kind: report-testing

phases:
  - name: planning
    duration_days: 10
    activities:
      - name: define_test_scope
      - name: identify_stakeholders
      - name: approve_test_plan

  - name: data_profiling
    duration_days: 14
    activities:
      - name: generate_profiling_rules
      - name: review_profiling_rules
      - name: execute_profiling
    approval_gates: [rule_approval]

  - name: scoping
    duration_days: 7
    activities:
      - name: generate_scope_recommendations
      - name: review_scope
      - name: finalize_scope
    approval_gates: [scoping_approval]

  - name: sample_selection
    duration_days: 7
    activities:
      - name: generate_samples
      - name: review_samples
      - name: finalize_samples
    approval_gates: [sample_approval]

  - name: data_provider_id
    duration_days: 5
    activities:
      - name: assign_data_providers
      - name: confirm_data_providers

  - name: request_info
    duration_days: 14
    activities:
      - name: send_information_requests
      - name: collect_source_documents
      - name: validate_submissions

  - name: testing
    duration_days: 21
    activities:
      - name: execute_tests
      - name: document_results
      - name: review_results

  - name: observations
    duration_days: 10
    activities:
      - name: draft_observations
      - name: review_observations
      - name: finalize_observations
    approval_gates: [observation_approval]

  - name: finalize_test_report
    duration_days: 7
    activities:
      - name: draft_report
      - name: review_report
      - name: publish_report
    approval_gates: [report_approval]

assignment_types:
  rule_approval:
    description: "Approve generated profiling rules"
    default_role: report_owner
    approval: true
  scoping_approval:
    description: "Approve the attribute scope"
    default_role: report_owner
    approval: true
  sample_approval:
    description: "Approve the selected samples"
    default_role: report_owner
    approval: true
  observation_approval:
    description: "Approve draft observations"
    default_role: report_owner
    approval: true
  report_approval:
    description: "Approve the final test report"
    default_role: test_executive
    approval: true
  lob_assignment:
    description: "Assign a line of business owner"
    default_role: data_executive
  data_upload_request:
    description: "Provide source data for testing"
    default_role: data_executive
  information_request:
    description: "Answer an information request"
    default_role: report_owner
  phase_review:
    description: "Review phase deliverables"
    default_role: test_executive

roles: [tester, report_owner, data_executive, test_executive, admin]

status:
  risk_window_hours: 72

notifications:
  endpoints: []
`
