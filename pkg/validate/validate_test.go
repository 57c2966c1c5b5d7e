package validate

import (
	"path/filepath"
	"strings"
	"testing"
)

func fromSlash(p string) string { return filepath.FromSlash(p) }

func TestDomain(t *testing.T) {
	valid := []string{"example.com", "sub.example-site.co.uk", "localhost", "xn--bcher-kva.example"}
	for _, v := range valid {
		if err := Domain(v); err != nil {
			t.Fatalf("expected valid domain %q, got %v", v, err)
		}
	}
	invalid := []string{"", "exa mple.com", "example.com;rm", `ex"ample`, ".example.com", "-bad.com", "a..b", strings.Repeat("a", 254)}
	for _, v := range invalid {
		if err := Domain(v); err == nil {
			t.Fatalf("expected error for domain %q", v)
		}
	}
}

func TestHost(t *testing.T) {
	for _, v := range []string{"127.0.0.1", "::1", "backend.local"} {
		if err := Host(v); err != nil {
			t.Fatalf("host %q: %v", v, err)
		}
	}
	if err := Host(`127.0.0.1"; }`); err == nil {
		t.Fatalf("expected error for injected host")
	}
}

func TestAbsPath(t *testing.T) {
	valid := []string{"/etc/varnish/default.vcl", "/", "/etc/hitch/certs"}
	for _, v := range valid {
		if err := AbsPath(v); err != nil {
			t.Fatalf("expected valid path %q, got %v", v, err)
		}
	}
	invalid := []string{"", "relative/path", "/etc/../shadow", "/etc/varnish/x.vcl\"", "/tmp/a b", "/etc/$(id)"}
	for _, v := range invalid {
		if err := AbsPath(v); err == nil {
			t.Fatalf("expected error for path %q", v)
		}
	}
}

func TestPathUnder(t *testing.T) {
	roots := []string{fromSlash("/etc/hitch/certs")}
	if err := PathUnder(roots, fromSlash("/etc/hitch/certs/example.com.pem")); err != nil {
		t.Fatalf("expected valid: %v", err)
	}
	for _, c := range []string{"", "/etc/hitch", "/etc/hitch/certs2/x.pem", "/etc/hitch/certs/../hitch.conf"} {
		if err := PathUnder(roots, fromSlash(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestParsePort(t *testing.T) {
	if p, err := ParsePort("6081"); err != nil || p != 6081 {
		t.Fatalf("6081: %d %v", p, err)
	}
	for _, s := range []string{"", "0", "65536", "80;", "-1", "8o", " 80", "123456"} {
		if _, err := ParsePort(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestMemoryCiphersTTL(t *testing.T) {
	if err := Memory("256M"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"256", "256MB", "1234567M", "2G;"} {
		if Memory(s) == nil {
			t.Fatalf("memory %q should fail", s)
		}
	}
	if err := Ciphers("ECDHE-RSA-AES128-GCM-SHA256:!aNULL:+HIGH"); err != nil {
		t.Fatal(err)
	}
	if Ciphers(`HIGH"\nfrontend = "[*]:1`) == nil {
		t.Fatalf("cipher injection should fail")
	}
	if err := TTL("7d"); err != nil {
		t.Fatal(err)
	}
	if TTL("7 days") == nil {
		t.Fatalf("ttl should fail")
	}
}

func TestACLEntry(t *testing.T) {
	for _, v := range []string{"127.0.0.1", "10.0.0.0/8", "::1", "fd00::/8"} {
		if err := ACLEntry(v); err != nil {
			t.Fatalf("acl %q: %v", v, err)
		}
	}
	for _, v := range []string{"localhost", "10.0.0.0/33", `"1.2.3.4"`} {
		if ACLEntry(v) == nil {
			t.Fatalf("acl %q should fail", v)
		}
	}
}

func TestURLPathAndPattern(t *testing.T) {
	if err := URLPath("/blog/post-1?x=1"); err == nil {
		t.Fatalf("query strings are not accepted as paths")
	}
	if err := URLPath("/blog/post-1"); err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{`/a"b`, `/a\b`, "/a b", "blog"} {
		if URLPath(v) == nil {
			t.Fatalf("path %q should fail", v)
		}
	}
	if err := Pattern(`^/wp-content/.*\.css$`); err == nil {
		t.Fatalf("backslash is outside the pattern charset")
	}
	if err := Pattern(`^/wp-content/.*[.]css$`); err != nil {
		t.Fatal(err)
	}
	if Pattern("(") == nil {
		t.Fatalf("uncompilable pattern should fail")
	}
}

func TestUserAndService(t *testing.T) {
	if err := UserName("bob"); err != nil {
		t.Fatal(err)
	}
	if UserName("../root") == nil || UserName("Bob") == nil {
		t.Fatalf("bad user accepted")
	}
	if err := ServiceName("varnish"); err != nil {
		t.Fatal(err)
	}
	if ServiceName("varnish;reboot") == nil {
		t.Fatalf("bad service accepted")
	}
}
