package host

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
)

// DomainOwners maps domains to cPanel accounts as listed in /etc/userdomains.
type DomainOwners struct {
	byDomain map[string]string
}

func LoadDomainOwners(path string) (*DomainOwners, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDomainOwners(f), nil
}

// ParseDomainOwners reads "domain: user" lines. The "*: nobody" wildcard is ignored.
func ParseDomainOwners(r io.Reader) *DomainOwners {
	d := &DomainOwners{byDomain: map[string]string{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		dom, user, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		dom = strings.ToLower(strings.TrimSpace(dom))
		user = strings.TrimSpace(user)
		if dom == "" || dom == "*" || user == "" {
			continue
		}
		d.byDomain[dom] = user
	}
	return d
}

func (d *DomainOwners) Owner(domain string) (string, bool) {
	u, ok := d.byDomain[strings.ToLower(domain)]
	return u, ok
}

func (d *DomainOwners) Owns(user, domain string) bool {
	u, ok := d.Owner(domain)
	return ok && u == user
}

func (d *DomainOwners) DomainsOf(user string) []string {
	var out []string
	for dom, u := range d.byDomain {
		if u == user {
			out = append(out, dom)
		}
	}
	sort.Strings(out)
	return out
}
