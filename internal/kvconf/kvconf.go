// Package kvconf edits key=value files such as /var/cpanel/cpanel.config and
// /etc/os-release without disturbing lines it does not touch.
package kvconf

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/turnuphosting/latest-varnish/pkg/validate"
)

// Schema types the keys this tool knows about. Values for those keys are
// checked on Set; everything else passes through untouched.
type Schema map[string]func(string) error

// CPanelSchema covers the cpanel.config keys that move Apache off the public ports.
var CPanelSchema = Schema{
	"apache_port":     checkListenAddr,
	"apache_ssl_port": checkListenAddr,
}

var (
	reListen = regexp.MustCompile(`^(?:(?:[0-9]{1,3}\.){3}[0-9]{1,3}:|\[[0-9A-Fa-f:]+\]:)?([0-9]{1,5})$`)

	ErrBadValue = errors.New("invalid value")
)

type line struct {
	raw   string
	key   string
	value string
	kv    bool
}

type File struct {
	lines    []line
	schema   Schema
	trailing bool
}

// Parse splits data into lines. Blank lines, comments and lines without '='
// are kept verbatim.
func Parse(data []byte, schema Schema) *File {
	f := &File{schema: schema}
	text := string(data)
	if text == "" {
		return f
	}
	if strings.HasSuffix(text, "\n") {
		f.trailing = true
		text = strings.TrimSuffix(text, "\n")
	}
	for _, raw := range strings.Split(text, "\n") {
		f.lines = append(f.lines, parseLine(raw))
	}
	return f
}

func parseLine(raw string) line {
	t := strings.TrimSpace(raw)
	if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, ";") {
		return line{raw: raw}
	}
	i := strings.IndexByte(raw, '=')
	if i <= 0 {
		return line{raw: raw}
	}
	key := strings.TrimSpace(raw[:i])
	if key == "" {
		return line{raw: raw}
	}
	return line{raw: raw, key: key, value: strings.TrimSpace(raw[i+1:]), kv: true}
}

// Get returns the last value assigned to key.
func (f *File) Get(key string) (string, bool) {
	val, ok := "", false
	for _, l := range f.lines {
		if l.kv && l.key == key {
			val, ok = l.value, true
		}
	}
	return val, ok
}

// Set assigns value to every occurrence of key, appending the key when absent.
func (f *File) Set(key, value string) error {
	if strings.ContainsAny(key, "=\n") || strings.TrimSpace(key) != key || key == "" {
		return fmt.Errorf("%w: key %q", ErrBadValue, key)
	}
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("%w: %s contains a newline", ErrBadValue, key)
	}
	if check, ok := f.schema[key]; ok {
		if err := check(value); err != nil {
			return fmt.Errorf("%s=%q: %w", key, value, err)
		}
	}
	found := false
	for i := range f.lines {
		if f.lines[i].kv && f.lines[i].key == key {
			f.lines[i].value = value
			f.lines[i].raw = key + "=" + value
			found = true
		}
	}
	if !found {
		f.lines = append(f.lines, line{raw: key + "=" + value, key: key, value: value, kv: true})
		f.trailing = true
	}
	return nil
}

// Bytes serializes the file. Untouched lines come back byte for byte.
func (f *File) Bytes() []byte {
	var b strings.Builder
	for i, l := range f.lines {
		b.WriteString(l.raw)
		if i < len(f.lines)-1 || f.trailing {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

// Unquote strips one level of matching single or double quotes, as used by os-release.
func Unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// PortOf extracts the port from an apache_port style value ("0.0.0.0:8080" or "8080").
func PortOf(v string) (int, error) {
	m := reListen.FindStringSubmatch(v)
	if m == nil {
		return 0, ErrBadValue
	}
	return validate.ParsePort(m[1])
}

func checkListenAddr(v string) error {
	_, err := PortOf(v)
	return err
}
