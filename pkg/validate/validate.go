package validate

import (
	"errors"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	reDomain  = regexp.MustCompile(`^[A-Za-z0-9.-]{1,253}$`)
	reAbsPath = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
	reMemory  = regexp.MustCompile(`^[0-9]{1,6}[KMGkmg]$`)
	reCiphers = regexp.MustCompile(`^[A-Za-z0-9_:+!.-]+$`)
	reTTL     = regexp.MustCompile(`^[0-9]{1,6}[smhdw]$`)
	reUser    = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	reDigits  = regexp.MustCompile(`^[0-9]{1,5}$`)
	reURLPath = regexp.MustCompile(`^/[A-Za-z0-9._~!$&()*+,;=:@%/-]*$`)
	rePattern = regexp.MustCompile(`^[A-Za-z0-9._/^$*+?()|\[\]-]+$`)
	reService = regexp.MustCompile(`^[a-z][a-z0-9@._-]{0,63}$`)

	ErrBadName    = errors.New("invalid name")
	ErrBadDomain  = errors.New("invalid domain")
	ErrBadHost    = errors.New("invalid host")
	ErrBadPath    = errors.New("invalid path")
	ErrBadPort    = errors.New("port must be an integer in 1..65535")
	ErrBadMemory  = errors.New("invalid memory size")
	ErrBadCiphers = errors.New("invalid cipher list")
	ErrBadTTL     = errors.New("invalid duration")
	ErrBadACL     = errors.New("invalid ACL entry")
	ErrBadPattern = errors.New("invalid pattern")
)

// Domain accepts host names made of letters, digits, dots and hyphens.
func Domain(s string) error {
	if !reDomain.MatchString(s) || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "-") || strings.Contains(s, "..") {
		return ErrBadDomain
	}
	return nil
}

// Host accepts a domain or a literal IP address.
func Host(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if Domain(s) != nil {
		return ErrBadHost
	}
	return nil
}

// AbsPath accepts an absolute path of safe characters with no ".." segment.
func AbsPath(s string) error {
	if !reAbsPath.MatchString(s) {
		return ErrBadPath
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return ErrBadPath
		}
	}
	return nil
}

func PathUnder(roots []string, p string) error {
	if p == "" {
		return ErrBadPath
	}
	ap := filepath.Clean(p)
	for _, r := range roots {
		rr := filepath.Clean(r)
		if ap == rr || strings.HasPrefix(ap, rr+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrBadPath
}

func Port(p int) error {
	if p < 1 || p > 65535 {
		return ErrBadPort
	}
	return nil
}

// ParsePort converts a digits-only string to a port number.
func ParsePort(s string) (int, error) {
	if !reDigits.MatchString(s) {
		return 0, ErrBadPort
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrBadPort
	}
	return p, Port(p)
}

func Memory(s string) error {
	if !reMemory.MatchString(s) {
		return ErrBadMemory
	}
	return nil
}

func Ciphers(s string) error {
	if !reCiphers.MatchString(s) {
		return ErrBadCiphers
	}
	return nil
}

// TTL accepts a VCL duration literal such as 120s or 7d.
func TTL(s string) error {
	if !reTTL.MatchString(s) {
		return ErrBadTTL
	}
	return nil
}

// ACLEntry accepts an IP address or a CIDR block.
func ACLEntry(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return nil
	}
	return ErrBadACL
}

// UserName accepts cPanel account names and root.
func UserName(s string) error {
	if !reUser.MatchString(s) {
		return ErrBadName
	}
	return nil
}

// ServiceName accepts systemd unit base names.
func ServiceName(s string) error {
	if !reService.MatchString(s) {
		return ErrBadName
	}
	return nil
}

// URLPath accepts a request path without quotes, backslashes or whitespace.
func URLPath(s string) error {
	if !reURLPath.MatchString(s) {
		return ErrBadPath
	}
	return nil
}

// Pattern accepts a conservative regular expression charset for ban patterns.
func Pattern(s string) error {
	if len(s) > 256 || !rePattern.MatchString(s) {
		return ErrBadPattern
	}
	if _, err := regexp.Compile(s); err != nil {
		return ErrBadPattern
	}
	return nil
}
