package panel

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/turnuphosting/latest-varnish/pkg/httpx"
	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

var ErrNoIdentity = errors.New("no authenticated user")

// Identity is the cPanel account a request runs as.
type Identity struct {
	User string `json:"user"`
}

func (i Identity) Root() bool { return i.User == "root" }

// IdentityFunc resolves the caller of r.
type IdentityFunc func(r *http.Request) (Identity, error)

// RemoteUser reads REMOTE_USER, which cpsrvd sets after it has authenticated
// the session. A nil getenv uses the process environment.
func RemoteUser(getenv func(string) string) IdentityFunc {
	if getenv == nil {
		getenv = os.Getenv
	}
	return func(*http.Request) (Identity, error) {
		return identityFor(getenv("REMOTE_USER"))
	}
}

// FixedUser serves every request as user. Used by the standalone listener.
func FixedUser(user string) IdentityFunc {
	return func(*http.Request) (Identity, error) { return identityFor(user) }
}

func identityFor(user string) (Identity, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return Identity{}, ErrNoIdentity
	}
	if err := validate.UserName(user); err != nil {
		return Identity{}, err
	}
	return Identity{User: user}, nil
}

type ctxKey struct{}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Identity(r)
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "auth.required", "no authenticated cPanel user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requireRoot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).Root() {
			httpx.Error(w, http.StatusForbidden, "auth.forbidden", "WHM access requires root")
			return
		}
		next.ServeHTTP(w, r)
	})
}
