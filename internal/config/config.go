package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// Config holds all runtime configuration for the tdmcore daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string // "text" or "json"

	Spans  []SpanDef
	Groups []GroupDef

	MaxSpans     int
	MaxChannels  int
	MaxGroups    int
	MaxCalls     int
	SafetyHangup time.Duration
	CallRate     float64 // calls admitted per second, 0 disables admission control
	CallBurst    int
	CrashPolicy  tdm.CrashPolicy

	JWTSecret       string // hex-encoded 32-byte secret for API bearer tokens
	APIPasswordHash string // bcrypt hash of the operator password

	SIPPort     int // 0 disables the SIP gateway
	SIPGroup    string
	SIPUser     string
	SIPPassword string
	RTPPortMin  int
	RTPPortMax  int
	ExternalIP  string

	CDRPostgresURL string

	spans       string
	groups      string
	crashPolicy string
}

// SpanDef describes a span created at startup.
type SpanDef struct {
	Name     string
	Driver   string
	Channels int
}

// GroupDef adds a range of channels of a span to a hunt group.
type GroupDef struct {
	Group string
	Span  string
	First int
	Last  int
}

const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultSpans        = "s1:soft:4"
	defaultMaxSpans     = 32
	defaultMaxChannels  = 32
	defaultMaxGroups    = 32
	defaultMaxCalls     = 255
	defaultSafetyHangup = 30 * time.Second
	defaultCallRate     = 50
	defaultCallBurst    = 100
	defaultSIPPort      = 5060
	defaultRTPPortMin   = 10000
	defaultRTPPortMax   = 20000
)

// envPrefix is the prefix for all tdmcore environment variables.
const envPrefix = "TDMCORE_"

// Load parses configuration from the process arguments and environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("tdmcore", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file for the HTTP API")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file for the HTTP API")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.spans, "spans", defaultSpans, "comma-separated name:driver:channels span definitions")
	fs.StringVar(&cfg.groups, "groups", "", "comma-separated group=span:first-last hunt group members")
	fs.IntVar(&cfg.MaxSpans, "max-spans", defaultMaxSpans, "maximum number of spans")
	fs.IntVar(&cfg.MaxChannels, "max-channels", defaultMaxChannels, "maximum channels per span")
	fs.IntVar(&cfg.MaxGroups, "max-groups", defaultMaxGroups, "maximum number of hunt groups")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "size of the call id table")
	fs.DurationVar(&cfg.SafetyHangup, "safety-hangup", defaultSafetyHangup, "force hangup of channels left terminating this long")
	fs.Float64Var(&cfg.CallRate, "call-rate", defaultCallRate, "calls admitted per second (0 disables)")
	fs.IntVar(&cfg.CallBurst, "call-burst", defaultCallBurst, "call admission burst size")
	fs.StringVar(&cfg.crashPolicy, "crash-policy", "never", "crash policy on internal errors (never, on-demand)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API tokens (auto-generated if empty)")
	fs.StringVar(&cfg.APIPasswordHash, "api-password-hash", "", "bcrypt hash of the API operator password")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port (0 disables the gateway)")
	fs.StringVar(&cfg.SIPGroup, "sip-group", "", "hunt group for inbound SIP calls")
	fs.StringVar(&cfg.SIPUser, "sip-user", "", "digest username required from SIP callers")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "digest password required from SIP callers")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.CDRPostgresURL, "cdr-postgres-url", "", "PostgreSQL URL for the CDR archive (disabled if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EnvName returns the environment variable overriding the named flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("env %s: %w", EnvName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane and parses the span,
// group and crash policy definitions.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 0 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 0 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports, RTCP the next odd port.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	for name, v := range map[string]int{"max-spans": c.MaxSpans, "max-channels": c.MaxChannels, "max-groups": c.MaxGroups, "max-calls": c.MaxCalls} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.SafetyHangup < 0 {
		return fmt.Errorf("safety-hangup must not be negative, got %s", c.SafetyHangup)
	}
	if c.CallRate < 0 || c.CallBurst < 0 {
		return fmt.Errorf("call-rate and call-burst must not be negative")
	}
	if c.CallRate > 0 && c.CallBurst < 1 {
		return fmt.Errorf("call-burst must be at least 1 when call-rate is set")
	}

	policy, err := tdm.ParseCrashPolicy(c.crashPolicy)
	if err != nil {
		return fmt.Errorf("crash-policy: %w", err)
	}
	c.CrashPolicy = policy

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if (c.SIPUser == "") != (c.SIPPassword == "") {
		return fmt.Errorf("sip-user and sip-password must both be provided or both be omitted")
	}

	if c.Spans, err = parseSpans(c.spans, c.MaxChannels); err != nil {
		return err
	}
	if len(c.Spans) > c.MaxSpans {
		return fmt.Errorf("spans defines %d spans, max-spans is %d", len(c.Spans), c.MaxSpans)
	}
	if c.Groups, err = parseGroups(c.groups, c.Spans); err != nil {
		return err
	}
	return nil
}

func parseSpans(s string, maxChannels int) ([]SpanDef, error) {
	var defs []SpanDef
	seen := make(map[string]bool)
	for _, item := range splitList(s) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("span %q: want name:driver:channels", item)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 1 || n > maxChannels {
			return nil, fmt.Errorf("span %q: channels must be between 1 and %d", item, maxChannels)
		}
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("span %q: name and driver are required", item)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("span %q defined twice", parts[0])
		}
		seen[parts[0]] = true
		defs = append(defs, SpanDef{Name: parts[0], Driver: parts[1], Channels: n})
	}
	return defs, nil
}

func parseGroups(s string, spans []SpanDef) ([]GroupDef, error) {
	var defs []GroupDef
	for _, item := range splitList(s) {
		group, member, ok := strings.Cut(item, "=")
		if !ok || group == "" {
			return nil, fmt.Errorf("group %q: want group=span:first-last", item)
		}
		spanName, rng, ok := strings.Cut(member, ":")
		if !ok {
			return nil, fmt.Errorf("group %q: want group=span:first-last", item)
		}
		var span *SpanDef
		for i := range spans {
			if spans[i].Name == spanName {
				span = &spans[i]
			}
		}
		if span == nil {
			return nil, fmt.Errorf("group %q: unknown span %q", item, spanName)
		}
		first, last, err := parseRange(rng)
		if err != nil || first < 1 || last > span.Channels || first > last {
			return nil, fmt.Errorf("group %q: channel range must be within 1-%d", item, span.Channels)
		}
		defs = append(defs, GroupDef{Group: group, Span: spanName, First: first, Last: last})
	}
	return defs, nil
}

func parseRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	first, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return first, first, nil
	}
	last, err := strconv.Atoi(hi)
	return first, last, err
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// TLSEnabled reports whether the HTTP API is served over TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SIPEnabled reports whether the SIP gateway should run.
func (c *Config) SIPEnabled() bool {
	return c.SIPPort != 0 && c.SIPGroup != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address to advertise in SDP. If ExternalIP is
// configured it is returned directly, otherwise the first non-loopback
// IPv4 address, falling back to 127.0.0.1.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
