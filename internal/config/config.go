package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/concurrent"
	"github.com/nidhogg/nuka-swarm/internal/handoff"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"github.com/nidhogg/nuka-swarm/internal/nested"
	"github.com/nidhogg/nuka-swarm/internal/planner"
	"github.com/nidhogg/nuka-swarm/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Providers     []ProviderConfig    `json:"providers"`
	Agents        []AgentConfig       `json:"agents"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	Database      DatabaseConfig      `json:"database"`
	NATS          NATSConfig          `json:"nats"`
	Cache         CacheConfig         `json:"cache"`
	Notify        NotifyConfig        `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Provider converts the entry into a provider config.
func (p ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Std(),
	}
}

// AgentConfig declares one agent backed by a provider.
type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Tags         []string `json:"tags,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Fallbacks    []string `json:"fallbacks,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// OrchestrationConfig holds the coordinator limits.
type OrchestrationConfig struct {
	MaxParallel     int      `json:"max_parallel"`
	BranchTimeout   Duration `json:"branch_timeout"`
	RunTimeout      Duration `json:"run_timeout"`
	HandoffRetries  *int     `json:"handoff_retries,omitempty"`
	HandoffBackoff  Duration `json:"handoff_backoff"`
	MaxRounds       int      `json:"max_rounds"`
	LoopWindow      int      `json:"loop_window"`
	StallThreshold  int      `json:"stall_threshold"`
	MaxReplans      int      `json:"max_replans"`
	MaxPlanSteps    int      `json:"max_plan_steps"`
	StepTimeout     Duration `json:"step_timeout,omitempty"`
	MaxNestingDepth int      `json:"max_nesting_depth"`
	ChildTimeout    Duration `json:"child_timeout"`
	// Interventions lists the hook kinds that wait for an operator.
	Interventions []string `json:"interventions,omitempty"`
}

// WithDefaults fills unset limits.
func (o OrchestrationConfig) WithDefaults() OrchestrationConfig {
	setInt(&o.MaxParallel, 4)
	setDuration(&o.BranchTimeout, 2*time.Minute)
	setDuration(&o.RunTimeout, 10*time.Minute)
	if o.HandoffRetries == nil || *o.HandoffRetries < 0 {
		retries := 3
		o.HandoffRetries = &retries
	}
	setDuration(&o.HandoffBackoff, 200*time.Millisecond)
	setInt(&o.MaxRounds, 10)
	setInt(&o.LoopWindow, 3)
	setInt(&o.StallThreshold, 2)
	setInt(&o.MaxReplans, 5)
	setInt(&o.MaxPlanSteps, 50)
	setInt(&o.MaxNestingDepth, 5)
	setDuration(&o.ChildTimeout, 15*time.Minute)
	return o
}

// Runner returns the nested runner configuration.
func (o OrchestrationConfig) Runner() nested.Config {
	o = o.WithDefaults()
	retries := *o.HandoffRetries
	if retries == 0 {
		// handoff.Config reads zero as "use the default".
		retries = -1
	}
	return nested.Config{
		MaxDepth:     o.MaxNestingDepth,
		ChildTimeout: o.ChildTimeout.Std(),
		MaxRounds:    o.MaxRounds,
		Executor: concurrent.Defaults{
			MaxParallel:   o.MaxParallel,
			Timeout:       o.RunTimeout.Std(),
			BranchTimeout: o.BranchTimeout.Std(),
		},
		Handoff: handoff.Config{
			Retries: retries,
			Backoff: o.HandoffBackoff.Std(),
		},
		Planner: planner.Config{
			LoopWindow:     o.LoopWindow,
			StallThreshold: o.StallThreshold,
			MaxReplans:     o.MaxReplans,
			MaxSteps:       o.MaxPlanSteps,
			StepTimeout:    o.StepTimeout.Std(),
		},
	}
}

// InterventionKinds parses Interventions.
func (o OrchestrationConfig) InterventionKinds() ([]hook.Kind, error) {
	kinds := make([]hook.Kind, 0, len(o.Interventions))
	for _, name := range o.Interventions {
		k, err := hook.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
	// StreamMaxLen caps each event stream.
	StreamMaxLen  int64    `json:"stream_max_len,omitempty"`
	CheckpointTTL Duration `json:"checkpoint_ttl,omitempty"`
}

type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

type CacheConfig struct {
	MaxCostBytes int64    `json:"max_cost_bytes"`
	TTL          Duration `json:"ttl"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	Channel   string `json:"channel"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

type DiscordNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

// Duration is a time.Duration written as a string such as "2m".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *Duration, def time.Duration) {
	if *v <= 0 {
		*v = Duration(def)
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON after environment substitution and applies
// orchestration defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.Orchestration = cfg.Orchestration.WithDefaults()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "swarm"
	}
	if _, err := cfg.Orchestration.InterventionKinds(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		providers[p.ID] = true
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		seen[a.ID] = true
		for _, p := range append([]string{a.Provider}, a.Fallbacks...) {
			if p != "" && !providers[p] {
				return fmt.Errorf("agent %q references unknown provider %q", a.ID, p)
			}
		}
	}
	return nil
}
