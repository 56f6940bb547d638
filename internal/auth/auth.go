// Package auth implements TURN long-term credentials: static users and
// time-limited REST credentials derived from a shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/stun"

	"github.com/postalsys/metroo-turn/internal/codec"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
)

const (
	// DefaultNonceTTL is how long an issued nonce is accepted.
	DefaultNonceTTL = 10 * time.Minute

	// DefaultNonceCacheSize bounds the number of outstanding nonces.
	DefaultNonceCacheSize = 65536
)

// ErrNoCredentials is returned when neither users nor a REST secret are configured.
var ErrNoCredentials = errors.New("no credentials configured")

// CredentialStore resolves a username to its long-term key.
type CredentialStore interface {
	// Key returns md5(username:realm:password), or false if the user is
	// unknown or no longer valid at now.
	Key(username string, now time.Time) ([]byte, bool)
}

// LongTermKey derives the long-term credential key.
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// StaticCredentials is a fixed user list with keys derived up front.
type StaticCredentials struct {
	keys map[string][]byte
}

// NewStaticCredentials creates a store from username/password pairs.
func NewStaticCredentials(realm string, users map[string]string) *StaticCredentials {
	keys := make(map[string][]byte, len(users))
	for user, pass := range users {
		keys[user] = LongTermKey(user, realm, pass)
	}
	return &StaticCredentials{keys: keys}
}

// Key implements CredentialStore.
func (s *StaticCredentials) Key(username string, _ time.Time) ([]byte, bool) {
	key, ok := s.keys[username]
	return key, ok
}

// RESTCredentials accepts usernames of the form "<expiry unix>:<name>"
// whose password is base64(HMAC-SHA1(secret, username)).
type RESTCredentials struct {
	realm  string
	secret []byte
}

// NewRESTCredentials creates a store for ephemeral credentials.
func NewRESTCredentials(realm, secret string) *RESTCredentials {
	return &RESTCredentials{realm: realm, secret: []byte(secret)}
}

// Password returns the password a credential service hands out for username.
func (r *RESTCredentials) Password(username string) string {
	mac := hmac.New(sha1.New, r.secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Username builds a username valid until expires.
func (r *RESTCredentials) Username(name string, expires time.Time) string {
	return strconv.FormatInt(expires.Unix(), 10) + ":" + name
}

// Key implements CredentialStore.
func (r *RESTCredentials) Key(username string, now time.Time) ([]byte, bool) {
	ts, _, ok := strings.Cut(username, ":")
	if !ok {
		return nil, false
	}
	expires, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || now.Unix() > expires {
		return nil, false
	}
	return LongTermKey(username, r.realm, r.Password(username)), true
}

// Options configures an Authenticator.
type Options struct {
	Realm      string
	Users      map[string]string
	RESTSecret string

	NonceTTL       time.Duration
	NonceCacheSize int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Authenticator checks MESSAGE-INTEGRITY on TURN requests.
type Authenticator struct {
	realm   string
	stores  []CredentialStore
	nonces  *expirable.LRU[string, struct{}]
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an authenticator. Static users are consulted before REST
// credentials.
func New(opts Options) (*Authenticator, error) {
	a := &Authenticator{
		realm:   opts.Realm,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if len(opts.Users) > 0 {
		a.stores = append(a.stores, NewStaticCredentials(opts.Realm, opts.Users))
	}
	if opts.RESTSecret != "" {
		a.stores = append(a.stores, NewRESTCredentials(opts.Realm, opts.RESTSecret))
	}
	if len(a.stores) == 0 {
		return nil, ErrNoCredentials
	}

	ttl := opts.NonceTTL
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	size := opts.NonceCacheSize
	if size <= 0 {
		size = DefaultNonceCacheSize
	}
	a.nonces = expirable.NewLRU[string, struct{}](size, nil, ttl)

	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.metrics == nil {
		a.metrics = metrics.Default()
	}
	if a.logger == nil {
		a.logger = logging.NopLogger()
	}
	a.logger = a.logger.With(logging.KeyComponent, "auth")
	return a, nil
}

// Realm returns the realm advertised in challenges.
func (a *Authenticator) Realm() string {
	return a.realm
}

// Authenticate verifies req and returns the key its response must be
// signed with. Failures are *codec.StatusError values.
func (a *Authenticator) Authenticate(req *codec.Request) ([]byte, error) {
	m := req.Message
	if _, err := m.Get(stun.AttrMessageIntegrity); err != nil {
		return nil, a.challenge(401, "Unauthorized", "missing_integrity")
	}

	var (
		username stun.Username
		realm    stun.Realm
		nonce    stun.Nonce
	)
	if username.GetFrom(m) != nil || realm.GetFrom(m) != nil || nonce.GetFrom(m) != nil {
		a.metrics.RecordAuthFailure("bad_request")
		return nil, &codec.StatusError{Code: 400, Reason: "Bad Request"}
	}

	if _, ok := a.nonces.Peek(nonce.String()); !ok {
		return nil, a.challenge(438, "Stale Nonce", "stale_nonce")
	}
	if realm.String() != a.realm {
		return nil, a.challenge(401, "Unauthorized", "wrong_realm")
	}

	key, ok := a.lookup(username.String())
	if !ok {
		a.logger.Info("unknown or expired user", logging.KeyUsername, username.String())
		return nil, a.challenge(401, "Unauthorized", "unknown_user")
	}

	if err := stun.MessageIntegrity(key).Check(m); err != nil {
		a.logger.Info("message integrity check failed", logging.KeyUsername, username.String())
		return nil, a.challenge(401, "Unauthorized", "bad_integrity")
	}
	return key, nil
}

func (a *Authenticator) lookup(username string) ([]byte, bool) {
	now := a.clock.Now()
	for _, s := range a.stores {
		if key, ok := s.Key(username, now); ok {
			return key, true
		}
	}
	return nil, false
}

// challenge builds an error carrying REALM and a fresh NONCE.
func (a *Authenticator) challenge(code int, reason, metric string) error {
	a.metrics.RecordAuthFailure(metric)
	return &codec.StatusError{
		Code:   code,
		Reason: reason,
		Attrs: []stun.Setter{
			stun.NewRealm(a.realm),
			stun.NewNonce(a.NewNonce()),
		},
	}
}

// NewNonce issues a nonce and remembers it for the nonce TTL.
func (a *Authenticator) NewNonce() string {
	nonce := randomHex(16)
	a.nonces.Add(nonce, struct{}{})
	return nonce
}

// NewSecret returns a random shared secret for REST credentials.
func NewSecret() string {
	return randomHex(32)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
