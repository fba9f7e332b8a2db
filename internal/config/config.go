package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models copilot.yml: scoring, pipeline and generation policy.
type Config struct {
	BANT            BANTConfig                   `yaml:"bant"`
	Recommendations map[string]map[string]string `yaml:"recommendations"`
	Pipeline        PipelineConfig               `yaml:"pipeline"`
	Generation      GenerationConfig             `yaml:"generation"`
	Radar           RadarConfig                  `yaml:"radar"`
	RBAC            struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type BANTConfig struct {
	DefaultLookbackDays int `yaml:"default_lookback_days"`
	Max                 struct {
		Budget    int `yaml:"budget"`
		Authority int `yaml:"authority"`
		Need      int `yaml:"need"`
		Timeline  int `yaml:"timeline"`
	} `yaml:"max"`
	Grades struct {
		A int `yaml:"a"`
		B int `yaml:"b"`
	} `yaml:"grades"`
	AuthorityRoles []string `yaml:"authority_roles"`
	Keywords       struct {
		Budget    []string `yaml:"budget"`
		Authority []string `yaml:"authority"`
		Need      []string `yaml:"need"`
		Timeline  []string `yaml:"timeline"`
		Technical []string `yaml:"technical"`
	} `yaml:"keywords"`
	// TechnicalTrack credits implicit budget, authority and timing in R&D/NPI conversations:
	// enough technical keywords, a strong need and a positive inbound reply. MinHits 0 disables it.
	TechnicalTrack struct {
		MinHits        int `yaml:"min_hits"`
		MinNeed        int `yaml:"min_need"`
		BudgetBonus    int `yaml:"budget_bonus"`
		AuthorityBonus int `yaml:"authority_bonus"`
		TimelineBonus  int `yaml:"timeline_bonus"`
	} `yaml:"technical_track"`
}

type StagePolicy struct {
	Probability float64 `yaml:"probability"`
	HorizonDays int     `yaml:"horizon_days"`
}

type PipelineConfig struct {
	DefaultOwner           string                 `yaml:"default_owner"`
	StaleWriteRetries      int                    `yaml:"stale_write_retries"`
	ProbabilityScoreWeight float64                `yaml:"probability_score_weight"`
	Stages                 map[string]StagePolicy `yaml:"stages"`
}

type GenerationConfig struct {
	MaxPainItems                int     `yaml:"max_pain_items"`
	MaxEvidencePerPain          int     `yaml:"max_evidence_per_pain"`
	SingleEvidenceConfidenceCap float64 `yaml:"single_evidence_confidence_cap"`
	OutreachPainCount           int     `yaml:"outreach_pain_count"`
	Timeout                     string  `yaml:"timeout"`
}

type RadarConfig struct {
	Allowlist       []string            `yaml:"allowlist"`
	MaxResults      int                 `yaml:"max_results"`
	Concurrency     int                 `yaml:"concurrency"`
	SegmentKeywords map[string][]string `yaml:"segment_keywords"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Webhook struct {
	ID      string   `yaml:"id"`
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Events  []string `yaml:"events"`
	Enabled bool     `yaml:"enabled"`
}

// progressStages must carry non-decreasing probabilities.
var progressStages = []string{"DISCOVERY", "CONTACTED", "ENGAGED", "QUALIFIED", "TECHNICAL_EVAL"}

var stageNames = []string{"DISCOVERY", "CONTACTED", "ENGAGED", "QUALIFIED", "TECHNICAL_EVAL", "NURTURE", "WON", "LOST"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with copilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	b := c.BANT
	if b.DefaultLookbackDays < 7 || b.DefaultLookbackDays > 365 {
		return fmt.Errorf("config.bant.default_lookback_days must be within 7..365")
	}
	for name, v := range map[string]int{"budget": b.Max.Budget, "authority": b.Max.Authority, "need": b.Max.Need, "timeline": b.Max.Timeline} {
		if v <= 0 {
			return fmt.Errorf("config.bant.max.%s must be positive", name)
		}
	}
	total := c.MaxTotal()
	if total > 100 {
		return fmt.Errorf("config.bant.max sums to %d; must not exceed 100", total)
	}
	if b.Grades.B <= 0 || b.Grades.A <= b.Grades.B || b.Grades.A > total {
		return fmt.Errorf("config.bant.grades must satisfy 0 < b < a <= %d", total)
	}
	for grade, row := range c.Recommendations {
		switch grade {
		case "A", "B", "C", "none":
		default:
			return fmt.Errorf("config.recommendations has unknown grade %q", grade)
		}
		for stage, text := range row {
			if stage != "*" && !knownStage(stage) {
				return fmt.Errorf("config.recommendations.%s has unknown stage %q", grade, stage)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("config.recommendations.%s.%s is empty", grade, stage)
			}
		}
	}
	tt := b.TechnicalTrack
	if tt.MinHits < 0 || tt.MinNeed < 0 || tt.BudgetBonus < 0 || tt.AuthorityBonus < 0 || tt.TimelineBonus < 0 {
		return fmt.Errorf("config.bant.technical_track values must not be negative")
	}
	p := c.Pipeline
	if p.StaleWriteRetries < 1 {
		return fmt.Errorf("config.pipeline.stale_write_retries must be at least 1")
	}
	if p.ProbabilityScoreWeight < 0 || p.ProbabilityScoreWeight > 1 {
		return fmt.Errorf("config.pipeline.probability_score_weight must be within 0..1")
	}
	for _, stage := range stageNames {
		sp, ok := p.Stages[stage]
		if !ok {
			return fmt.Errorf("config.pipeline.stages.%s is required", stage)
		}
		if sp.Probability < 0 || sp.Probability > 1 {
			return fmt.Errorf("config.pipeline.stages.%s.probability must be within 0..1", stage)
		}
		if sp.HorizonDays < 0 {
			return fmt.Errorf("config.pipeline.stages.%s.horizon_days must not be negative", stage)
		}
	}
	prev := ""
	for _, stage := range progressStages {
		if prev != "" && p.Stages[stage].Probability < p.Stages[prev].Probability {
			return fmt.Errorf("config.pipeline.stages.%s.probability must not be below %s", stage, prev)
		}
		prev = stage
	}
	g := c.Generation
	if g.MaxPainItems <= 0 || g.MaxEvidencePerPain <= 0 || g.OutreachPainCount <= 0 {
		return fmt.Errorf("config.generation limits must be positive")
	}
	if g.SingleEvidenceConfidenceCap <= 0 || g.SingleEvidenceConfidenceCap > 1 {
		return fmt.Errorf("config.generation.single_evidence_confidence_cap must be within (0,1]")
	}
	if g.Timeout != "" {
		if _, err := time.ParseDuration(g.Timeout); err != nil {
			return fmt.Errorf("config.generation.timeout: %w", err)
		}
	}
	if c.Radar.MaxResults <= 0 || c.Radar.Concurrency <= 0 {
		return fmt.Errorf("config.radar.max_results and concurrency must be positive")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	seen := map[string]bool{}
	for i, wh := range c.Webhooks {
		if wh.ID == "" || wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d] requires id and url", i)
		}
		if seen[wh.ID] {
			return fmt.Errorf("config.webhooks has duplicate id %s", wh.ID)
		}
		seen[wh.ID] = true
	}
	return nil
}

// MaxTotal is the highest reachable BANT total.
func (c *Config) MaxTotal() int {
	m := c.BANT.Max
	return m.Budget + m.Authority + m.Need + m.Timeline
}

// Recommendation looks up the next action for a grade and stage. An empty grade means unscored.
func (c *Config) Recommendation(grade, stage string) string {
	key := grade
	if key == "" {
		key = "none"
	}
	row := c.Recommendations[key]
	if text, ok := row[stage]; ok {
		return text
	}
	return row["*"]
}

// Stage returns the policy for a stage; unknown stages get a zero policy.
func (c *Config) Stage(stage string) StagePolicy {
	return c.Pipeline.Stages[stage]
}

// GenerationTimeout returns the per-call generation deadline, zero when unset.
func (c *Config) GenerationTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Generation.Timeout)
	return d
}

func knownStage(stage string) bool {
	for _, s := range stageNames {
		if s == stage {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "copilot.yml")
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `bant:
  default_lookback_days: 60
  max:
    budget: 25
    authority: 25
    need: 25
    timeline: 25
  grades:
    a: 75
    b: 50
  authority_roles: [director, head, vp, chief, ceo, cto, coo, cfo, owner, founder, president, manager]
  keywords:
    budget: [budget, capex, cost, quote, price, procurement, rfq]
    authority: [decision, approve, sign-off, sponsor, owner]
    need: [yield, defect, alignment, inspection, quality, false reject, overkill, npi, throughput]
    timeline: [q1, q2, q3, q4, week, month, deadline, pilot, poc, schedule]
    technical: [rd, r&d, npi, yield, alignment, inspection, optical, process, validation]
  technical_track:
    min_hits: 3
    min_need: 15
    budget_bonus: 8
    authority_bonus: 8
    timeline_bonus: 3

recommendations:
  A:
    QUALIFIED: "Book a technical deep-dive with the decision maker and share a validation plan."
    TECHNICAL_EVAL: "Run the technical evaluation and align on success criteria and timeline."
    "*": "Escalate to an account executive and propose a technical meeting this week."
  B:
    DISCOVERY: "Identify the decision maker and send a first-touch message."
    CONTACTED: "Follow up with a use-case reference matched to the strongest signal."
    ENGAGED: "Confirm budget owner and timeline on the next call."
    NURTURE: "Share a relevant case study and re-check timing next month."
    "*": "Keep the conversation warm and confirm budget and timeline."
  C:
    NURTURE: "Add to the nurture sequence and monitor new signals."
    "*": "Monitor signals; low-touch follow-up only."
  none:
    DISCOVERY: "Research the account and find a technical contact."
    CONTACTED: "Wait for a reply; follow up in three days."
    ENGAGED: "Qualify with a BANT score after the next conversation."
    QUALIFIED: "Prepare the technical evaluation handoff."
    TECHNICAL_EVAL: "Support the technical evaluation."
    NURTURE: "Monitor new signals before re-engaging."
    WON: "Hand over to delivery."
    LOST: "Record the loss reason."

pipeline:
  default_owner: BD
  stale_write_retries: 3
  probability_score_weight: 0.3
  stages:
    DISCOVERY: {probability: 0.05, horizon_days: 7}
    CONTACTED: {probability: 0.15, horizon_days: 3}
    ENGAGED: {probability: 0.35, horizon_days: 4}
    QUALIFIED: {probability: 0.55, horizon_days: 5}
    TECHNICAL_EVAL: {probability: 0.75, horizon_days: 3}
    NURTURE: {probability: 0.10, horizon_days: 14}
    WON: {probability: 1.0, horizon_days: 0}
    LOST: {probability: 0.0, horizon_days: 0}

generation:
  max_pain_items: 3
  max_evidence_per_pain: 3
  single_evidence_confidence_cap: 0.78
  outreach_pain_count: 3
  timeout: 45s

radar:
  max_results: 5
  concurrency: 3
  allowlist:
    - reuters.com
    - bloomberg.com
    - digitimes.com
    - eetimes.com
    - semiengineering.com
    - trendforce.com
    - anandtech.com
    - tomshardware.com
    - prnewswire.com
    - businesswire.com
    - linkedin.com
    - 104.com.tw
  segment_keywords:
    WAFER_FAB: [fab expansion, capex, new fab]
    INSPECTION_METROLOGY: [inspection, metrology, yield]
    PACKAGING_TEST: [advanced packaging, test capacity, CoWoS]
    FACTORY_AUTOMATION: [automation, smart factory]
    DISPLAY: [display panel, micro led]
    SEMICON: [semiconductor expansion, npi]

rbac:
  roles:
    rep:
      description: "Sales representative"
      permissions: [read, interaction.write, bant.score, pain.write, outreach.write, account.write, signal.write]
    manager:
      description: "Sales manager"
      permissions: [read, interaction.write, bant.score, pain.write, outreach.write, outreach.review, account.write, signal.write, pipeline.override, apikey.manage]
    viewer:
      description: "Read-only access"
      permissions: [read]

webhooks: []
`
