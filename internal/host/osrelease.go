package host

import (
	"os"
	"strings"

	"github.com/turnuphosting/latest-varnish/internal/kvconf"
)

// SupportedOS lists os-release IDs cPanel runs on.
var SupportedOS = []string{"almalinux", "rocky", "cloudlinux", "centos", "rhel", "ubuntu"}

type OSRelease struct {
	ID         string
	IDLike     string
	VersionID  string
	PrettyName string
}

func ReadOSRelease(path string) (OSRelease, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return OSRelease{}, err
	}
	return ParseOSRelease(b), nil
}

func ParseOSRelease(b []byte) OSRelease {
	f := kvconf.Parse(b, nil)
	get := func(k string) string {
		v, _ := f.Get(k)
		return kvconf.Unquote(v)
	}
	return OSRelease{
		ID:         strings.ToLower(get("ID")),
		IDLike:     strings.ToLower(get("ID_LIKE")),
		VersionID:  get("VERSION_ID"),
		PrettyName: get("PRETTY_NAME"),
	}
}

func (o OSRelease) Supported() bool {
	for _, id := range SupportedOS {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Family is "rhel", "debian" or empty.
func (o OSRelease) Family() string {
	ids := append([]string{o.ID}, strings.Fields(o.IDLike)...)
	for _, id := range ids {
		switch id {
		case "rhel", "centos", "fedora", "almalinux", "rocky", "cloudlinux":
			return "rhel"
		case "debian", "ubuntu":
			return "debian"
		}
	}
	return ""
}
