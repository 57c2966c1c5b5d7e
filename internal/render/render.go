// Package render produces the Varnish and Hitch configuration files. Every
// parameter is validated before it reaches a template.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"

	pv "github.com/turnuphosting/latest-varnish/pkg/validate"
)

// ErrUnsafeParam is returned when a parameter fails validation.
var ErrUnsafeParam = errors.New("unsafe parameter")

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	validate  = newValidator()
	templates = template.Must(template.New("").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl"))
)

func newValidator() *validator.Validate {
	v := validator.New()
	str := func(fn func(string) error) validator.Func {
		return func(fl validator.FieldLevel) bool { return fn(fl.Field().String()) == nil }
	}
	_ = v.RegisterValidation("safehost", str(pv.Host))
	_ = v.RegisterValidation("safepath", str(pv.AbsPath))
	_ = v.RegisterValidation("memsize", str(pv.Memory))
	_ = v.RegisterValidation("ciphers", str(pv.Ciphers))
	_ = v.RegisterValidation("vclttl", str(pv.TTL))
	_ = v.RegisterValidation("acl", str(pv.ACLEntry))
	_ = v.RegisterValidation("username", str(pv.UserName))
	return v
}

type VCLParams struct {
	BackendHost string   `validate:"required,safehost"`
	BackendPort int      `validate:"min=1,max=65535"`
	ProxyPort   int      `validate:"min=1,max=65535"`
	PurgeACL    []string `validate:"min=1,dive,acl"`
	DefaultTTL  string   `validate:"required,vclttl"`
	StaticTTL   string   `validate:"required,vclttl"`
	Grace       string   `validate:"required,vclttl"`
	BypassPaths []string `validate:"dive,safepath"`
}

type HitchParams struct {
	ListenPort  int    `validate:"min=1,max=65535"`
	BackendHost string `validate:"required,safehost"`
	BackendPort int    `validate:"min=1,max=65535"`
	PemDir      string `validate:"required,safepath"`
	Ciphers     string `validate:"required,ciphers"`
	User        string `validate:"required,username"`
	Group       string `validate:"required,username"`
	Workers     int    `validate:"min=1,max=256"`
}

type UnitParams struct {
	VarnishdPath string `validate:"required,safepath"`
	HTTPPort     int    `validate:"min=1,max=65535"`
	ProxyPort    int    `validate:"min=1,max=65535"`
	AdminPort    int    `validate:"min=1,max=65535"`
	SecretPath   string `validate:"required,safepath"`
	VCLPath      string `validate:"required,safepath"`
	Memory       string `validate:"required,memsize"`
}

// DefaultBypassPaths are never cached: cPanel UIs and ACME challenges.
var DefaultBypassPaths = []string{"/cpanel", "/whm", "/webmail", "/.well-known/acme-challenge/"}

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrUnsafeParam, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrUnsafeParam, err)
	}
	return nil
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type aclEntry struct {
	Addr string
	Mask int
}

type vclData struct {
	VCLParams
	ACL        []aclEntry
	BypassExpr string
}

// RenderVCL returns the VCL 4.1 program. Identical params give identical output.
func RenderVCL(p VCLParams) (string, error) {
	if len(p.BypassPaths) == 0 {
		p.BypassPaths = DefaultBypassPaths
	}
	if err := check(p); err != nil {
		return "", err
	}
	acl := make([]aclEntry, 0, len(p.PurgeACL))
	seen := map[aclEntry]bool{}
	for _, e := range p.PurgeACL {
		a := toACL(e)
		if !seen[a] {
			seen[a] = true
			acl = append(acl, a)
		}
	}
	sort.Slice(acl, func(i, j int) bool {
		if acl[i].Addr != acl[j].Addr {
			return acl[i].Addr < acl[j].Addr
		}
		return acl[i].Mask < acl[j].Mask
	})
	bypass := make([]string, len(p.BypassPaths))
	for i, bp := range p.BypassPaths {
		bypass[i] = `req.url ~ "^` + strings.ReplaceAll(bp, ".", `\.`) + `"`
	}
	return execute("default.vcl.tmpl", vclData{VCLParams: p, ACL: acl, BypassExpr: strings.Join(bypass, " ||\n        ")})
}

// RenderHitch returns hitch.conf.
func RenderHitch(p HitchParams) (string, error) {
	if err := check(p); err != nil {
		return "", err
	}
	return execute("hitch.conf.tmpl", p)
}

// RenderVarnishUnit returns the systemd drop-in that sets varnishd's listeners.
func RenderVarnishUnit(p UnitParams) (string, error) {
	if err := check(p); err != nil {
		return "", err
	}
	return execute("varnish.service.tmpl", p)
}

func toACL(e string) aclEntry {
	if ip, n, err := net.ParseCIDR(e); err == nil {
		ones, _ := n.Mask.Size()
		return aclEntry{Addr: ip.Mask(n.Mask).String(), Mask: ones}
	}
	return aclEntry{Addr: net.ParseIP(e).String(), Mask: -1}
}
