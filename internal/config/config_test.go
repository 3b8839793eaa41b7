package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tapguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
scan:
  url: https://scan.example.com
upstream:
  command: ["npx", "-y", "@example/mcp-server"]
`

func TestLoad_MinimalWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("version = %d", cfg.Version)
	}
	if cfg.Scan.TimeoutSeconds != 30 {
		t.Errorf("scan timeout = %d, want default 30", cfg.Scan.TimeoutSeconds)
	}
	if cfg.Policy.Mode != ModeEnforce {
		t.Errorf("policy mode = %q, want enforce", cfg.Policy.Mode)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stdout" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Format, cfg.Logging.Output)
	}
	if cfg.Metrics.Listen != DefaultMetricsListen {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing scan url",
			"upstream:\n  url: ws://localhost:3001\n",
			"scan.url is required",
		},
		{
			"bad scan url scheme",
			"scan:\n  url: ftp://x\nupstream:\n  url: ws://localhost:3001\n",
			"not a valid http(s) URL",
		},
		{
			"both upstreams set",
			minimalConfig + "  url: ws://localhost:3001\n",
			"exactly one of",
		},
		{
			"neither upstream set",
			"scan:\n  url: https://scan.example.com\n",
			"exactly one of",
		},
		{
			"bad upstream scheme",
			"scan:\n  url: https://scan.example.com\nupstream:\n  url: https://localhost:3001\n",
			"not a valid ws(s) URL",
		},
		{
			"bad policy mode",
			minimalConfig + "policy:\n  mode: lenient\n",
			"policy.mode",
		},
		{
			"file output without file",
			minimalConfig + "logging:\n  output: file\n",
			"logging.file is required",
		},
		{
			"bad metrics listen",
			minimalConfig + "metrics:\n  enabled: true\n  listen: not-a-hostport\n",
			"metrics.listen",
		},
		{
			"bad webhook url",
			minimalConfig + "emit:\n  webhook:\n    url: gopher://x\n",
			"emit.webhook.url",
		},
		{
			"unsupported version",
			"version: 2\n" + minimalConfig,
			"unsupported config version",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolveAPIKey_EnvPrecedence(t *testing.T) {
	t.Setenv("TAPGUARD_TEST_KEY", "from-env")
	s := ScanConfig{APIKey: "literal", APIKeyEnv: "TAPGUARD_TEST_KEY"}
	if got := s.ResolveAPIKey(); got != "from-env" {
		t.Errorf("ResolveAPIKey = %q, want env value", got)
	}

	s.APIKeyEnv = "TAPGUARD_UNSET_KEY"
	if got := s.ResolveAPIKey(); got != "literal" {
		t.Errorf("ResolveAPIKey = %q, want literal fallback", got)
	}
}

func TestValidateReload_WarnsOnFixedFields(t *testing.T) {
	old := Defaults()
	updated := Defaults()
	updated.Upstream.Command = []string{"other-server"}
	updated.Metrics.Enabled = true

	warnings := ValidateReload(old, updated)
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %v", len(warnings), warnings)
	}
	if warnings[0].Field != "upstream" {
		t.Errorf("first warning field = %q", warnings[0].Field)
	}
}

func TestDefaults_Valid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Errorf("Defaults() does not validate: %v", err)
	}
}
