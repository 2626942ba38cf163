package sipgw

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	authRealm   = "tdmcore"
	authOpaque  = "tdmcore"
	authAlgoMD5 = "MD5"
	nonceExpiry = 5 * time.Minute

	// A source is blocked after maxFailures bad credentials within
	// failureWindow. Each repeat offence doubles the block.
	maxFailures      = 10
	failureWindow    = 10 * time.Minute
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour
)

// Authenticator checks SIP digest credentials against the single gateway
// account.
type Authenticator struct {
	username string
	password string
	logger   *slog.Logger
	nonces   sync.Map // nonce -> issue time
	guard    *bruteForceGuard
}

// NewAuthenticator returns nil when no username is configured, which
// leaves the gateway open.
func NewAuthenticator(username, password string, logger *slog.Logger) *Authenticator {
	if username == "" {
		return nil
	}
	return &Authenticator{
		username: username,
		password: password,
		logger:   logger.With("subsystem", "sip-auth"),
		guard:    newBruteForceGuard(logger),
	}
}

// Challenge sends a 401 with a fresh nonce.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    authOpaque,
		Algorithm: authAlgoMD5,
	}
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate reports whether req carries valid credentials. On false the
// response has already been sent.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) bool {
	source := req.Source()
	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: source blocked", "source", source)
		respond(req, tx, 403, "Forbidden", a.logger)
		return false
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return false
	}
	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header", "error", err, "source", source)
		a.guard.RecordFailure(source)
		respond(req, tx, 400, "Bad Request", a.logger)
		return false
	}

	issued, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(issued.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.Challenge(req, tx)
		return false
	}

	if cred.Username != a.username {
		a.logger.Warn("unknown sip username", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		respond(req, tx, 403, "Forbidden", a.logger)
		return false
	}

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     cred.Nonce,
		Opaque:    authOpaque,
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: a.password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest", "error", err)
		respond(req, tx, 500, "Internal Server Error", a.logger)
		return false
	}
	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed", "username", cred.Username, "source", source)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return false
	}

	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)
	return true
}

// CleanExpired drops stale nonces and expired blocks.
func (a *Authenticator) CleanExpired() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

type ipRecord struct {
	failures     []time.Time
	blockedUntil time.Time
	nextBlock    time.Duration
}

// bruteForceGuard blocks source IPs that keep failing digest auth.
type bruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*ipRecord
	now     func() time.Time
	logger  *slog.Logger
}

func newBruteForceGuard(logger *slog.Logger) *bruteForceGuard {
	return &bruteForceGuard{
		records: make(map[string]*ipRecord),
		now:     time.Now,
		logger:  logger.With("subsystem", "sip-bruteforce"),
	}
}

func (g *bruteForceGuard) IsBlocked(source string) bool {
	ip := sourceIP(source)
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[ip]
	return ok && g.now().Before(rec.blockedUntil)
}

func (g *bruteForceGuard) RecordFailure(source string) {
	ip := sourceIP(source)
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{nextBlock: blockDuration}
		g.records[ip] = rec
	}
	now := g.now()
	if now.Before(rec.blockedUntil) {
		return
	}
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if now.Sub(t) <= failureWindow {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)
	if len(rec.failures) < maxFailures {
		return
	}
	rec.failures = nil
	rec.blockedUntil = now.Add(rec.nextBlock)
	g.logger.Warn("ip blocked after repeated sip auth failures", "ip", ip, "block_duration", rec.nextBlock.String())
	rec.nextBlock = min(rec.nextBlock*2, maxBlockDuration)
}

// RecordSuccess forgets past failures but keeps the escalated block time.
func (g *bruteForceGuard) RecordSuccess(source string) {
	ip := sourceIP(source)
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup drops sources that are neither blocked nor recently failing.
func (g *bruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for ip, rec := range g.records {
		if now.Before(rec.blockedUntil) {
			continue
		}
		if len(rec.failures) == 0 || now.Sub(rec.failures[len(rec.failures)-1]) > failureWindow {
			delete(g.records, ip)
		}
	}
}

func sourceIP(source string) string {
	if host, _, err := net.SplitHostPort(source); err == nil {
		return host
	}
	return source
}
