package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// clearEnv unsets every TDMCORE_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"data-dir", "http-port", "tls-cert", "tls-key", "log-level", "log-format", "spans", "groups",
		"max-calls", "safety-hangup", "call-rate", "crash-policy", "sip-port",
		"sip-group", "sip-user", "sip-password",
	} {
		env := EnvName(name)
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.MaxCalls != defaultMaxCalls {
		t.Errorf("MaxCalls = %d, want %d", cfg.MaxCalls, defaultMaxCalls)
	}
	if cfg.SafetyHangup != defaultSafetyHangup {
		t.Errorf("SafetyHangup = %s, want %s", cfg.SafetyHangup, defaultSafetyHangup)
	}
	if cfg.CrashPolicy != tdm.CrashNever {
		t.Errorf("CrashPolicy = %v, want never", cfg.CrashPolicy)
	}
	if len(cfg.Spans) != 1 || cfg.Spans[0] != (SpanDef{Name: "s1", Driver: "soft", Channels: 4}) {
		t.Errorf("Spans = %+v, want one soft span of 4 channels", cfg.Spans)
	}
	if len(cfg.Groups) != 0 {
		t.Errorf("Groups = %+v, want none", cfg.Groups)
	}
	if cfg.SIPEnabled() {
		t.Error("SIPEnabled() = true without a sip-group")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("TDMCORE_HTTP_PORT", "9090")
	t.Setenv("TDMCORE_DATA_DIR", "/tmp/tdmcore-test")
	t.Setenv("TDMCORE_LOG_LEVEL", "debug")
	t.Setenv("TDMCORE_SAFETY_HANGUP", "5s")
	t.Setenv("TDMCORE_CRASH_POLICY", "on-demand")

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/tdmcore-test" {
		t.Errorf("DataDir = %q, want /tmp/tdmcore-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.SafetyHangup != 5*time.Second {
		t.Errorf("SafetyHangup = %s, want 5s", cfg.SafetyHangup)
	}
	if cfg.CrashPolicy != tdm.CrashOnDemand {
		t.Errorf("CrashPolicy = %v, want on-demand", cfg.CrashPolicy)
	}
}

func TestEnvVarBadValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("TDMCORE_HTTP_PORT", "eighty")

	if _, err := LoadArgs(nil); err == nil {
		t.Fatal("expected error for non-numeric TDMCORE_HTTP_PORT, got nil")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("TDMCORE_HTTP_PORT", "9090")
	t.Setenv("TDMCORE_LOG_LEVEL", "debug")

	cfg, err := LoadArgs([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestSpansAndGroups(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadArgs([]string{
		"--spans", "s1:soft:4, s2:soft:8",
		"--groups", "trunk=s1:1-4,trunk=s2:2-3,ops=s2:8",
		"--sip-group", "trunk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Spans) != 2 || cfg.Spans[1] != (SpanDef{Name: "s2", Driver: "soft", Channels: 8}) {
		t.Errorf("Spans = %+v", cfg.Spans)
	}
	want := []GroupDef{
		{Group: "trunk", Span: "s1", First: 1, Last: 4},
		{Group: "trunk", Span: "s2", First: 2, Last: 3},
		{Group: "ops", Span: "s2", First: 8, Last: 8},
	}
	if len(cfg.Groups) != len(want) {
		t.Fatalf("Groups = %+v, want %+v", cfg.Groups, want)
	}
	for i := range want {
		if cfg.Groups[i] != want[i] {
			t.Errorf("Groups[%d] = %+v, want %+v", i, cfg.Groups[i], want[i])
		}
	}
	if !cfg.SIPEnabled() {
		t.Error("SIPEnabled() = false, want true")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"odd rtp port", []string{"--rtp-port-min", "10001"}},
		{"zero max calls", []string{"--max-calls", "0"}},
		{"bad crash policy", []string{"--crash-policy", "always"}},
		{"sip user without password", []string{"--sip-user", "pbx"}},
		{"tls cert without key", []string{"--tls-cert", "/etc/tdmcore/cert.pem"}},
		{"span without channels", []string{"--spans", "s1:soft"}},
		{"span too large", []string{"--spans", "s1:soft:64"}},
		{"duplicate span", []string{"--spans", "s1:soft:2,s1:soft:2"}},
		{"group on unknown span", []string{"--groups", "g=s9:1-2"}},
		{"group range outside span", []string{"--groups", "g=s1:3-9"}},
		{"group without range", []string{"--groups", "g=s1"}},
		{"too many spans", []string{"--max-spans", "1", "--spans", "a:soft:1,b:soft:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := LoadArgs(tt.args); err == nil {
				t.Fatalf("LoadArgs(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if len(key) != 32 || cfg.JWTSecret == "" {
		t.Errorf("generated key len = %d, secret %q", len(key), cfg.JWTSecret)
	}
	again, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if string(again) != string(key) {
		t.Error("second call did not reuse the generated secret")
	}

	cfg.JWTSecret = "abcd"
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("short secret accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
