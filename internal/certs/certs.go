// Package certs finds certificate/key pairs on the host and writes the
// combined PEM files Hitch serves.
package certs

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/fsatomic"
	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

type Bundle struct {
	CertPath     string `json:"certPath"`
	KeyPath      string `json:"keyPath"`
	CombinedPath string `json:"combinedPath"`
	Domain       string `json:"domain,omitempty"`
}

var (
	reCertFile = regexp.MustCompile(`^\s*SSLCertificateFile\s+"?([^"\s]+)"?`)
	reKeyFile  = regexp.MustCompile(`^\s*SSLCertificateKeyFile\s+"?([^"\s]+)"?`)
	reVHostEnd = regexp.MustCompile(`^\s*</VirtualHost>`)
	reUnsafe   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

	errNoKey  = errors.New("no matching private key")
	errNoCert = errors.New("no certificate block")
)

// Discoverer walks the configured sources in order. The first candidate that
// maps to a given combined path wins.
type Discoverer struct {
	ApacheConfs []string
	CertDirs    []string
	KeyDirs     []string
	OutDir      string
	Owner       string
	Group       string
	Log         zerolog.Logger

	chown func(path string, uid, gid int) error
}

type candidate struct {
	cert    string
	keyHint string
	name    string
}

// Discover writes one combined file per usable pair and returns the bundles.
// Candidates without a key are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context) ([]Bundle, error) {
	if err := validate.AbsPath(d.OutDir); err != nil {
		return nil, fmt.Errorf("cert dir %q: %w", d.OutDir, err)
	}
	var cands []candidate
	for _, pattern := range d.ApacheConfs {
		for _, conf := range globSorted(pattern) {
			cands = append(cands, d.fromApache(conf)...)
		}
	}
	for _, pattern := range d.CertDirs {
		for _, dir := range globSorted(pattern) {
			cands = append(cands, d.fromDir(dir)...)
		}
	}

	seen := map[string]bool{}
	var out []Bundle
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		combined := filepath.Join(d.OutDir, c.name+".pem")
		if seen[combined] {
			continue
		}
		b, data, err := d.pair(c)
		if err != nil {
			d.Log.Warn().Str("cert", c.cert).Err(err).Msg("skipping certificate without key")
			continue
		}
		seen[combined] = true
		b.CombinedPath = combined
		if err := fsatomic.WriteFile(ctx, combined, data, 0o600); err != nil {
			return out, fmt.Errorf("write %s: %w", combined, err)
		}
		d.own(combined)
		d.Log.Info().Str("domain", b.Domain).Str("cert", b.CertPath).Str("key", b.KeyPath).Str("combined", combined).Msg("certificate bundled")
		out = append(out, b)
	}
	return out, nil
}

// Prune removes *.pem files in OutDir that are not in keep.
func (d *Discoverer) Prune(keep []Bundle) ([]string, error) {
	want := map[string]bool{}
	for _, b := range keep {
		want[filepath.Clean(b.CombinedPath)] = true
	}
	entries, err := os.ReadDir(d.OutDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pem" {
			continue
		}
		p := filepath.Join(d.OutDir, e.Name())
		if want[p] {
			continue
		}
		if err := validate.PathUnder([]string{d.OutDir}, p); err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		d.Log.Info().Str("path", p).Msg("removed stale bundle")
		removed = append(removed, p)
	}
	return removed, nil
}

func (d *Discoverer) fromApache(conf string) []candidate {
	f, err := os.Open(conf)
	if err != nil {
		d.Log.Debug().Str("conf", conf).Err(err).Msg("apache config not readable")
		return nil
	}
	defer f.Close()
	var out []candidate
	var pending *candidate
	flush := func() {
		if pending != nil {
			out = append(out, *pending)
			pending = nil
		}
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if m := reCertFile.FindStringSubmatch(line); m != nil {
			flush()
			pending = &candidate{cert: m[1], name: bundleName(m[1])}
			continue
		}
		if m := reKeyFile.FindStringSubmatch(line); m != nil && pending != nil {
			pending.keyHint = m[1]
			continue
		}
		if reVHostEnd.MatchString(line) {
			flush()
		}
	}
	flush()
	return out
}

func (d *Discoverer) fromDir(dir string) []candidate {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []candidate
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(dir, name)
		if !isRegular(p) {
			continue
		}
		switch {
		case name == "certificates":
			out = append(out, candidate{cert: p, keyHint: filepath.Join(dir, "combined"), name: bundleName(p)})
		case strings.HasSuffix(name, ".crt"), strings.HasSuffix(name, ".pem"), strings.HasSuffix(name, ".cert"):
			out = append(out, candidate{cert: p, name: bundleName(p)})
		}
	}
	return out
}

// pair resolves the key for c and returns the key-then-certificate content.
func (d *Discoverer) pair(c candidate) (Bundle, []byte, error) {
	certPEM, err := readRegular(c.cert)
	if err != nil {
		return Bundle{}, nil, err
	}
	certs := blocks(certPEM, func(t string) bool { return t == "CERTIFICATE" })
	if len(certs) == 0 {
		return Bundle{}, nil, errNoCert
	}
	for _, kp := range d.keyCandidates(c) {
		raw, err := readRegular(kp)
		if err != nil {
			continue
		}
		keys := blocks(raw, func(t string) bool { return strings.HasSuffix(t, "PRIVATE KEY") })
		if len(keys) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, k := range keys[:1] {
			_ = pem.Encode(&buf, k)
		}
		for _, cb := range certs {
			_ = pem.Encode(&buf, cb)
		}
		return Bundle{CertPath: c.cert, KeyPath: kp, Domain: domainOf(certs[0])}, buf.Bytes(), nil
	}
	return Bundle{}, nil, errNoKey
}

func (d *Discoverer) keyCandidates(c candidate) []string {
	var out []string
	if c.keyHint != "" {
		out = append(out, c.keyHint)
	}
	// The certificate file may already hold the key.
	out = append(out, c.cert)
	stem := strings.TrimSuffix(filepath.Base(c.cert), filepath.Ext(c.cert))
	out = append(out, filepath.Join(filepath.Dir(c.cert), stem+".key"))
	for _, dir := range d.KeyDirs {
		out = append(out, filepath.Join(dir, stem+".key"))
	}
	return out
}

func (d *Discoverer) own(path string) {
	if d.Owner == "" {
		return
	}
	u, err := user.Lookup(d.Owner)
	if err != nil {
		d.Log.Warn().Str("user", d.Owner).Err(err).Msg("hitch user not found; bundle left owned by root")
		return
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	if d.Group != "" {
		if g, err := user.LookupGroup(d.Group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	chown := d.chown
	if chown == nil {
		chown = os.Chown
	}
	if err := chown(path, uid, gid); err != nil {
		d.Log.Warn().Str("path", path).Err(err).Msg("chown failed")
	}
}

// bundleName derives the combined file name. cPanel keeps one directory per
// domain under apache_tls, so the directory name is used there.
func bundleName(certPath string) string {
	base := filepath.Base(certPath)
	var name string
	if base == "certificates" || base == "combined" {
		name = filepath.Base(filepath.Dir(certPath))
	} else {
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	name = reUnsafe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "bundle"
	}
	return name
}

func domainOf(b *pem.Block) string {
	c, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return ""
	}
	if c.Subject.CommonName != "" {
		return strings.ToLower(c.Subject.CommonName)
	}
	if len(c.DNSNames) > 0 {
		return strings.ToLower(c.DNSNames[0])
	}
	return ""
}

func blocks(data []byte, keep func(string) bool) []*pem.Block {
	var out []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			return out
		}
		if keep(b.Type) {
			out = append(out, b)
		}
	}
}

func isRegular(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func readRegular(p string) ([]byte, error) {
	if !isRegular(p) {
		return nil, fmt.Errorf("%s: not a readable regular file", p)
	}
	return os.ReadFile(p)
}

func globSorted(pattern string) []string {
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}
	}
	m, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(m)
	return m
}

// FromConfig builds the discoverer the installer and `certs sync` share.
func FromConfig(cfg config.Config, log zerolog.Logger) *Discoverer {
	return &Discoverer{
		ApacheConfs: cfg.Paths.ApacheConf,
		CertDirs:    cfg.Paths.CertSearchDirs,
		KeyDirs:     cfg.Paths.KeySearchDirs,
		OutDir:      cfg.Hitch.CertDir,
		Owner:       cfg.Hitch.User,
		Group:       cfg.Hitch.Group,
		Log:         log,
	}
}
