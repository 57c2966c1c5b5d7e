package varnish

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

type condition struct {
	field string
	op    string
	arg   string
}

// BanExpr is a validated ban expression. The zero value is not usable; build
// one with BanAll, BanHost, BanURL, BanPrefix or BanPattern.
type BanExpr struct {
	conds []condition
}

// Args returns the tokens passed to `varnishadm ban`. varnishd's CLI parser
// unescapes backslashes even in bare tokens, so each one is doubled to reach
// the ban regex intact.
func (b BanExpr) Args() []string {
	var out []string
	for i, c := range b.conds {
		if i > 0 {
			out = append(out, "&&")
		}
		out = append(out, c.field, c.op, strings.ReplaceAll(c.arg, `\`, `\\`))
	}
	return out
}

func (b BanExpr) String() string { return strings.Join(b.Args(), " ") }

func (b BanExpr) Empty() bool { return len(b.conds) == 0 }

// BanAll matches every cached object.
func BanAll() BanExpr {
	return BanExpr{conds: []condition{{"req.url", "~", "."}}}
}

// BanHost matches every object cached for domain.
func BanHost(domain string) (BanExpr, error) {
	if err := validate.Domain(domain); err != nil {
		return BanExpr{}, fmt.Errorf("domain %q: %w", domain, err)
	}
	return BanExpr{conds: []condition{{"req.http.host", "==", strings.ToLower(domain)}}}, nil
}

// BanURL matches exactly one path on domain.
func BanURL(domain, path string) (BanExpr, error) {
	b, err := BanHost(domain)
	if err != nil {
		return b, err
	}
	if err := validate.URLPath(path); err != nil {
		return BanExpr{}, fmt.Errorf("path %q: %w", path, err)
	}
	b.conds = append(b.conds, condition{"req.url", "==", path})
	return b, nil
}

// BanPrefix matches every path under prefix on domain.
func BanPrefix(domain, prefix string) (BanExpr, error) {
	b, err := BanHost(domain)
	if err != nil {
		return b, err
	}
	if err := validate.URLPath(prefix); err != nil {
		return BanExpr{}, fmt.Errorf("path %q: %w", prefix, err)
	}
	b.conds = append(b.conds, condition{"req.url", "~", "^" + regexp.QuoteMeta(prefix)})
	return b, nil
}

// BanPattern matches URLs on domain against a restricted regular expression.
func BanPattern(domain, pattern string) (BanExpr, error) {
	b, err := BanHost(domain)
	if err != nil {
		return b, err
	}
	if err := validate.Pattern(pattern); err != nil {
		return BanExpr{}, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	b.conds = append(b.conds, condition{"req.url", "~", pattern})
	return b, nil
}
