package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/peterje/termhub/internal/api"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const tokenParam = "token"

var (
	errBadToken     = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

// Auth issues and checks bearer tokens for relay users.
type Auth struct {
	user    string
	hash    []byte
	key     []byte
	ttl     time.Duration
	now     func() time.Time
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewAuth builds the authenticator. passwordHash is a bcrypt hash; when it
// is empty, password is hashed instead. Tokens are signed with a key that
// lives for the process, so a relay restart logs everyone out.
func NewAuth(user, passwordHash, password string, ttl time.Duration, log zerolog.Logger) (*Auth, error) {
	hash := []byte(passwordHash)
	if len(hash) == 0 {
		if password == "" {
			return nil, errors.New("relay password is not configured")
		}
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err != nil {
			return nil, fmt.Errorf("hash relay password: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("relay password_hash: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Auth{
		user:    user,
		hash:    hash,
		key:     key,
		ttl:     ttl,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		log:     log,
	}, nil
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleToken exchanges HTTP basic credentials for a bearer token.
func (a *Auth) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		api.WriteError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	user, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="termhub"`)
		api.WriteError(w, http.StatusUnauthorized, "credentials required")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
	if !userOK || !passOK {
		a.log.Warn().Str("remote", r.RemoteAddr).Str("user", user).Msg("login failed")
		api.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	expires := a.now().Add(a.ttl).UTC().Truncate(time.Second)
	api.WriteJSON(w, http.StatusOK, tokenResponse{Token: a.sign(user, expires), ExpiresAt: expires})
}

// Middleware rejects requests without a valid token. Browsers cannot set
// headers on WebSocket handshakes, so the token may also come as ?token=.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(tokenParam)
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if err := a.verify(token); err != nil {
			api.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sign returns base64(user|expiry).base64(hmac).
func (a *Auth) sign(user string, expires time.Time) string {
	payload := user + "|" + strconv.FormatInt(expires.Unix(), 10)
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(a.mac(payload))
}

func (a *Auth) mac(payload string) []byte {
	m := hmac.New(sha256.New, a.key)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

func (a *Auth) verify(token string) error {
	if token == "" {
		return errors.New("unauthorized")
	}
	enc := base64.RawURLEncoding
	p64, s64, ok := strings.Cut(token, ".")
	if !ok {
		return errBadToken
	}
	payload, err := enc.DecodeString(p64)
	if err != nil {
		return errBadToken
	}
	sig, err := enc.DecodeString(s64)
	if err != nil || !hmac.Equal(sig, a.mac(string(payload))) {
		return errBadToken
	}

	user, exp, ok := strings.Cut(string(payload), "|")
	if !ok || user != a.user {
		return errBadToken
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return errBadToken
	}
	if !a.now().Before(time.Unix(unix, 0)) {
		return errTokenExpired
	}
	return nil
}
