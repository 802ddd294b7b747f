package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testYAML = `
server:
  addr: ":9090"
  grpc_addr: ":9091"
workers:
  inline:
    - name: summarizer
      intents: [summary.create]
      endpoint: "${SUMMARIZER_URL}/handle"
      timeout_ms: 2500
    - name: local_tool
      transport: local-process
      command: ./bin/tool
engine:
  max_concurrency: 4
invoker:
  max_result_bytes: 1024
  rate_limit:
    per_second: 5
  fixtures:
    summarizer:
      result: "canned summary"
      confidence: 0.9
planner:
  mode: rules
  rules:
    - name: deadlines
      when: kind == "schedule"
      steps:
        - {step_id: 0, agent: summarizer, intent: summary.create}
        - {step_id: 1, agent: deadline_guardian_agent, intent: deadline.monitor, input_source: "step:0.output.result"}
llm:
  api: anthropic-messages
  api_key: "${TEST_LLM_KEY}"
history:
  backend: redis
  redis_addr: "${TEST_REDIS_ADDR}"
  max_turns: 10
  ttl: 24h
health:
  enabled: true
  schedule: "*/5 * * * *"
general:
  script: classifier.lua
`

func TestParse(t *testing.T) {
	t.Setenv("SUMMARIZER_URL", "http://summarizer.internal")
	t.Setenv("TEST_LLM_KEY", "sk-ant-test")
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.GRPCAddr != ":9091" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Workers.Inline) != 2 {
		t.Fatalf("workers = %+v", cfg.Workers.Inline)
	}
	if got := cfg.Workers.Inline[0].Endpoint; got != "http://summarizer.internal/handle" {
		t.Errorf("endpoint = %q", got)
	}
	if cfg.Workers.Inline[0].TimeoutMillis != 2500 {
		t.Errorf("timeout_ms = %d", cfg.Workers.Inline[0].TimeoutMillis)
	}
	if cfg.Engine.MaxConcurrency != 4 {
		t.Errorf("max_concurrency = %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Invoker.RateLimit.Burst != 1 {
		t.Errorf("burst default = %d", cfg.Invoker.RateLimit.Burst)
	}
	fx := cfg.Invoker.Fixtures["summarizer"]
	if fx.Result != "canned summary" || fx.Confidence == nil || *fx.Confidence != 0.9 {
		t.Errorf("fixture = %+v", fx)
	}
	if len(cfg.Planner.Rules) != 1 || len(cfg.Planner.Rules[0].Steps) != 2 {
		t.Fatalf("rules = %+v", cfg.Planner.Rules)
	}
	if got := cfg.Planner.Rules[0].Steps[1].Input.String(); got != "step:0.output.result" {
		t.Errorf("rule input = %q", got)
	}
	if !cfg.LLM.Enabled() || cfg.LLM.APIKey != "sk-ant-test" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.History.RedisAddr != "redis:6379" || Duration(cfg.History.TTL).Hours() != 24 {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Engine.MaxConcurrency != 1 {
		t.Errorf("max_concurrency = %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Planner.Mode != PlannerAuto || cfg.History.Backend != "memory" || cfg.History.MaxTurns != 50 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LLM.Enabled() {
		t.Error("llm enabled without credentials")
	}
	if Duration(cfg.Server.ReadTimeout).Seconds() != 30 {
		t.Errorf("read timeout = %q", cfg.Server.ReadTimeout)
	}
}

func TestOpenAIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	if cfg := Default(); cfg.LLM.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
}

func TestUnexpandedPlaceholderIsUnset(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("CONDUCTOR_MISSING_KEY")
	cfg, err := Parse([]byte("llm:\n  api_key: \"${CONDUCTOR_MISSING_KEY}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Enabled() {
		t.Errorf("placeholder counted as a key: %q", cfg.LLM.APIKey)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cases := map[string]string{
		"concurrency":  "engine:\n  max_concurrency: -1\n",
		"planner mode": "planner:\n  mode: psychic\n",
		"llm required": "planner:\n  mode: llm\n",
		"backend":      "history:\n  backend: etcd\n",
		"duration":     "server:\n  read_timeout: soon\n",
		"schedule":     "health:\n  enabled: true\n  schedule: whenever\n",
		"workers":      "workers:\n  file: w.yaml\n  inline:\n    - name: a\n",
		"bad yaml":     "server: [\n",
		"result bytes": "invoker:\n  max_result_bytes: -5\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil || !strings.Contains(err.Error(), "reading config") {
		t.Errorf("err = %v", err)
	}
}

func TestLLMFallbacks(t *testing.T) {
	t.Setenv("FALLBACK_KEY", "sk-fallback")
	cfg, err := Parse([]byte(`
llm:
  api: openai-completions
  api_key: sk-primary
  fallbacks:
    - api: anthropic-messages
      api_key: ${FALLBACK_KEY}
      model: claude-3-5-haiku-latest
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.LLM.Fallbacks) != 1 {
		t.Fatalf("fallbacks = %+v", cfg.LLM.Fallbacks)
	}
	fb := cfg.LLM.Fallbacks[0]
	if fb.APIKey != "sk-fallback" || !fb.Enabled() {
		t.Errorf("fallback = %+v", fb)
	}
}
