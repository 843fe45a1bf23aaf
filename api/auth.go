/*
auth.go - Wallet login and session tokens

PURPOSE:
  "Connecting a wallet" means proving control of an address. The server
  issues a one-time challenge, the wallet signs it with personal_sign
  (EIP-191), and the server answers with a JWT naming the address. Every
  trip and redemption endpoint requires that token.

LOGIN FLOW:
  1. GET  /api/session/challenge?address=0x...
       -> message "Commute Rewards Login\nAddress: ...\nTimestamp: ...\nNonce: ..."
  2. Wallet signs message
  3. POST /api/session {address, message, signature}
       -> nonce must be outstanding, for this address, and unused
       -> timestamp within ChallengeTTL
       -> recovered signer must equal address
       -> JWT (HS256) with the address as subject

NONCES:
  Single use. A nonce is consumed by the first login attempt that names
  it, successful or not, so a captured signature cannot be replayed.

RATE LIMITING:
  Challenge and login requests are limited per client IP with
  golang.org/x/time/rate.

SEE ALSO:
  - handlers.go: requireSession middleware that consumes the token
*/
package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/warp/commute-rewards/generic"
	"golang.org/x/time/rate"
)

const loginMessageTitle = "Commute Rewards Login"

var (
	ErrInvalidSignature = errors.New("signature does not match address")
	ErrChallengeExpired = errors.New("login challenge expired or unknown")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrExpiredToken     = errors.New("session token expired")
)

// Claims are the JWT claims of a wallet session.
type Claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Challenge is an outstanding login challenge.
type Challenge struct {
	Address   generic.Address
	Nonce     string
	Message   string
	ExpiresAt time.Time
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator issues challenges and session tokens.
type Authenticator struct {
	Secret       []byte
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
	Now          func() time.Time

	mu     sync.Mutex
	nonces map[string]Challenge
}

func NewAuthenticator(secret []byte, tokenTTL time.Duration) *Authenticator {
	return &Authenticator{
		Secret:       secret,
		TokenTTL:     tokenTTL,
		ChallengeTTL: 5 * time.Minute,
		Now:          func() time.Time { return time.Now().UTC() },
		nonces:       make(map[string]Challenge),
	}
}

// NewChallenge creates a single-use login message for addr.
func (a *Authenticator) NewChallenge(addr generic.Address) Challenge {
	now := a.Now()
	nonce := uuid.NewString()
	c := Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   LoginMessage(addr, now, nonce),
		ExpiresAt: now.Add(a.ChallengeTTL),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(now)
	a.nonces[nonce] = c
	return c
}

// LoginMessage formats the text a wallet signs.
func LoginMessage(addr generic.Address, at time.Time, nonce string) string {
	return fmt.Sprintf("%s\nAddress: %s\nTimestamp: %s\nNonce: %s",
		loginMessageTitle, addr, at.UTC().Format(time.RFC3339), nonce)
}

// Login verifies a signed challenge and returns a session token.
func (a *Authenticator) Login(addr generic.Address, message, signature string) (string, time.Time, error) {
	nonce := messageField(message, "Nonce")
	now := a.Now()

	a.mu.Lock()
	c, ok := a.nonces[nonce]
	delete(a.nonces, nonce)
	a.mu.Unlock()

	if !ok || c.Address != addr || c.Message != message || now.After(c.ExpiresAt) {
		return "", time.Time{}, ErrChallengeExpired
	}
	if err := VerifySignature(addr, message, signature); err != nil {
		return "", time.Time{}, err
	}
	return a.IssueToken(addr)
}

// IssueToken signs an HS256 session token for addr.
func (a *Authenticator) IssueToken(addr generic.Address) (string, time.Time, error) {
	now := a.Now()
	expires := now.Add(a.TokenTTL)
	claims := &Claims{
		Address: string(addr),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(addr),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// ParseToken validates a session token and returns its address.
func (a *Authenticator) ParseToken(tokenString string) (generic.Address, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithTimeFunc(a.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	addr, err := generic.NormalizeAddress(claims.Address)
	if err != nil {
		return "", ErrInvalidToken
	}
	return addr, nil
}

func (a *Authenticator) sweepLocked(now time.Time) {
	for nonce, c := range a.nonces {
		if now.After(c.ExpiresAt) {
			delete(a.nonces, nonce)
		}
	}
}

// =============================================================================
// SIGNATURES
// =============================================================================

// VerifySignature checks an EIP-191 personal_sign signature of message
// by addr. V may be 0/1 or 27/28.
func VerifySignature(addr generic.Address, message, signature string) error {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := gethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if gethcrypto.PubkeyToAddress(*pub) != addr.Hex() {
		return ErrInvalidSignature
	}
	return nil
}

func messageField(message, name string) string {
	prefix := name + ": "
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= 10_000 {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
		if !l.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil, "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}
