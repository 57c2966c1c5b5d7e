package panel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"

	"github.com/turnuphosting/latest-varnish/internal/fsatomic"
	"github.com/turnuphosting/latest-varnish/pkg/httpx"
)

const (
	csrfCookie = "cpvarnish_csrf"
	csrfHeader = "X-CSRF-Token"
)

var (
	ErrCSRFMissing   = errors.New("csrf token missing")
	ErrCSRFMalformed = errors.New("csrf token malformed")
	ErrCSRFMismatch  = errors.New("csrf token mismatch")
	ErrCSRFExpired   = errors.New("csrf token expired")
	ErrCSRFUser      = errors.New("csrf token issued to another user")

	reToken = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

type csrfPayload struct {
	Token   string
	User    string
	Expires int64
}

// CSRF issues and checks double-submit tokens. The cookie copy is signed and
// encrypted, and bound to the user it was issued to.
type CSRF struct {
	TTL time.Duration
	Now func() time.Time

	codec *securecookie.SecureCookie
}

// NewCSRF derives the cookie hash and block keys from secret with HKDF.
func NewCSRF(secret []byte, ttl time.Duration) (*CSRF, error) {
	if len(secret) < 16 {
		return nil, errors.New("panel secret too short")
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("cpvarnish panel csrf v1"))
	hashKey := make([]byte, 64)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, err
	}
	sc := securecookie.New(hashKey, blockKey)
	// Expiry is carried in the payload and checked against Now.
	sc.MaxAge(0)
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &CSRF{TTL: ttl, Now: time.Now, codec: sc}, nil
}

// LoadSecret reads the panel secret. With create set, a missing secret is
// generated with 32 random bytes; otherwise it must already exist. The
// cPanel CGI runs as the account owner and never creates it.
func LoadSecret(ctx context.Context, path string, create bool) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return b, nil
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("read %s: %w (is the panel binary installed setgid?)", path, err)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	case !create:
		return nil, fmt.Errorf("panel secret %s is missing or empty; run cpvarnish install --targets plugins", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	b = securecookie.GenerateRandomKey(32)
	if b == nil {
		return nil, errors.New("generate panel secret")
	}
	if err := fsatomic.WriteFile(ctx, path, b, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return b, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue sets the cookie for user and returns the token the page must echo
// in X-CSRF-Token.
func (c *CSRF) Issue(w http.ResponseWriter, r *http.Request, user string) (string, error) {
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	exp := c.Now().Add(c.TTL)
	val, err := c.codec.Encode(csrfCookie, csrfPayload{Token: tok, User: user, Expires: exp.Unix()})
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    val,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteStrictMode,
		Expires:  exp,
	})
	return tok, nil
}

// Check validates the header against the cookie for user.
func (c *CSRF) Check(r *http.Request, user string) error {
	hdr := r.Header.Get(csrfHeader)
	if hdr == "" {
		return ErrCSRFMissing
	}
	if !reToken.MatchString(hdr) {
		return ErrCSRFMalformed
	}
	ck, err := r.Cookie(csrfCookie)
	if err != nil {
		return ErrCSRFMissing
	}
	var p csrfPayload
	if err := c.codec.Decode(csrfCookie, ck.Value, &p); err != nil {
		return ErrCSRFMalformed
	}
	if subtle.ConstantTimeCompare([]byte(hdr), []byte(p.Token)) != 1 {
		return ErrCSRFMismatch
	}
	if p.User != user {
		return ErrCSRFUser
	}
	if c.Now().Unix() > p.Expires {
		return ErrCSRFExpired
	}
	return nil
}

// Require rejects state-changing requests that fail Check.
func (c *CSRF) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := c.Check(r, identityFrom(r.Context()).User); err != nil {
			httpx.Error(w, http.StatusForbidden, "csrf.invalid", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
