package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/hook"
)

const sample = `{
  "server": {"port": 9090, "log_level": "${SWARM_TEST_LOG:info}"},
  "providers": [
    {"id": "main", "type": "anthropic", "api_key": "${SWARM_TEST_KEY}", "timeout": "45s"},
    {"id": "backup", "type": "openai", "endpoint": "http://localhost:11434/v1"}
  ],
  "agents": [
    {"id": "planner", "provider": "main", "fallbacks": ["backup"], "tags": ["plan"]},
    {"id": "coder", "provider": "backup"}
  ],
  "orchestration": {"max_parallel": 8, "branch_timeout": "30s", "interventions": ["plan_review"]},
  "cache": {"max_cost_bytes": 1048576, "ttl": "5m"}
}`

func TestParseSubstitutesAndDefaults(t *testing.T) {
	t.Setenv("SWARM_TEST_KEY", "sk-test")
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log level = %q, want default", cfg.Server.LogLevel)
	}
	if cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKey)
	}
	if got := cfg.Providers[0].Provider().Timeout; got != 45*time.Second {
		t.Errorf("provider timeout = %s", got)
	}

	o := cfg.Orchestration
	if o.MaxParallel != 8 || o.BranchTimeout.Std() != 30*time.Second {
		t.Errorf("explicit values lost: %+v", o)
	}
	if *o.HandoffRetries != 3 || o.MaxRounds != 10 || o.MaxReplans != 5 || o.MaxNestingDepth != 5 {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o.ChildTimeout.Std() != 15*time.Minute || o.HandoffBackoff.Std() != 200*time.Millisecond {
		t.Errorf("duration defaults not applied: %+v", o)
	}
	if cfg.NATS.SubjectPrefix != "swarm" {
		t.Errorf("subject prefix = %q", cfg.NATS.SubjectPrefix)
	}
	if cfg.Cache.TTL.Std() != 5*time.Minute {
		t.Errorf("cache ttl = %s", cfg.Cache.TTL.Std())
	}

	kinds, err := o.InterventionKinds()
	if err != nil || len(kinds) != 1 || kinds[0] != hook.PlanReview {
		t.Errorf("kinds = %v, %v", kinds, err)
	}
}

func TestRunnerConfig(t *testing.T) {
	rc := OrchestrationConfig{LoopWindow: 4}.Runner()
	if rc.MaxDepth != 5 || rc.MaxRounds != 10 {
		t.Errorf("runner = %+v", rc)
	}
	if rc.Planner.LoopWindow != 4 || rc.Planner.StallThreshold != 2 || rc.Planner.MaxSteps != 50 {
		t.Errorf("planner = %+v", rc.Planner)
	}
	if rc.Executor.MaxParallel != 4 || rc.Executor.Timeout != 10*time.Minute {
		t.Errorf("executor = %+v", rc.Executor)
	}
	if rc.Handoff.Retries != 3 {
		t.Errorf("handoff = %+v", rc.Handoff)
	}
}

func TestZeroHandoffRetries(t *testing.T) {
	cfg, err := Parse([]byte(`{"orchestration": {"handoff_retries": 0}}`))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Orchestration.HandoffRetries != 0 {
		t.Errorf("explicit zero replaced by %d", *cfg.Orchestration.HandoffRetries)
	}
	if got := cfg.Orchestration.Runner().Handoff.Retries; got != -1 {
		t.Errorf("runner retries = %d, want -1 (no retries)", got)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown provider": `{"agents": [{"id": "a", "provider": "ghost"}]}`,
		"duplicate agent":  `{"agents": [{"id": "a"}, {"id": "a"}]}`,
		"bad duration":     `{"orchestration": {"child_timeout": "soon"}}`,
		"numeric duration": `{"orchestration": {"child_timeout": 5}}`,
		"bad hook kind":    `{"orchestration": {"interventions": ["coffee_break"]}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.json")
	if err := os.WriteFile(path, []byte(`{"server": {"port": 0}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("got %v", err)
	}
}
