package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"

	"github.com/turnuphosting/latest-varnish/internal/backup"
	"github.com/turnuphosting/latest-varnish/internal/config"
	"github.com/turnuphosting/latest-varnish/internal/render"
	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var ErrInvalidSettings = errors.New("invalid settings")

// CacheSettings are the Varnish knobs WHM may change.
type CacheSettings struct {
	Memory     string   `json:"memory" yaml:"memory"`
	DefaultTTL string   `json:"defaultTtl" yaml:"defaultTtl"`
	StaticTTL  string   `json:"staticTtl" yaml:"staticTtl"`
	Grace      string   `json:"grace" yaml:"grace"`
	ACL        []string `json:"acl" yaml:"acl"`
}

const settingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "memory":     {"type": "string", "pattern": "^[0-9]{1,6}[KMGkmg]$"},
    "defaultTtl": {"type": "string", "pattern": "^[0-9]{1,6}[smhdw]$"},
    "staticTtl":  {"type": "string", "pattern": "^[0-9]{1,6}[smhdw]$"},
    "grace":      {"type": "string", "pattern": "^[0-9]{1,6}[smhdw]$"},
    "acl": {
      "type": "array",
      "minItems": 1,
      "maxItems": 64,
      "items": {"type": "string", "pattern": "^[0-9A-Fa-f:.]+(/[0-9]{1,3})?$"}
    }
  }
}`

var settingsLoader = gojsonschema.NewStringLoader(settingsSchema)

func settingsOf(cfg config.Config) CacheSettings {
	return CacheSettings{
		Memory:     cfg.Varnish.Memory,
		DefaultTTL: cfg.Varnish.DefaultTTL,
		StaticTTL:  cfg.Varnish.StaticTTL,
		Grace:      cfg.Varnish.Grace,
		ACL:        append([]string(nil), cfg.Varnish.ACL...),
	}
}

// currentSettings returns the last applied settings, or the loaded
// configuration's when none were applied by this process.
func (s *Server) currentSettings() CacheSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked()
}

func (s *Server) settingsLocked() CacheSettings {
	if s.settings != nil {
		return *s.settings
	}
	return settingsOf(s.Config)
}

// parseSettings validates body against the schema and overlays it on cur.
func parseSettings(cur CacheSettings, body []byte) (CacheSettings, error) {
	res, err := gojsonschema.Validate(settingsLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return cur, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return cur, fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, "; "))
	}
	next := cur
	if err := json.Unmarshal(body, &next); err != nil {
		return cur, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return next, nil
}

func (c CacheSettings) apply(cfg config.Config) config.Config {
	cfg.Varnish.Memory = c.Memory
	cfg.Varnish.DefaultTTL = c.DefaultTTL
	cfg.Varnish.StaticTTL = c.StaticTTL
	cfg.Varnish.Grace = c.Grace
	cfg.Varnish.ACL = c.ACL
	return cfg
}

// applyResult describes a settings change that reached disk.
type applyResult struct {
	BackupDir string   `json:"backupDir"`
	Written   []string `json:"written"`
	Restarted bool     `json:"restarted"`
}

// applySettings renders the new VCL, checks it with varnishd -C and persists
// the settings. Every file is backed up first and restored when the check
// fails.
func (s *Server) applySettings(ctx context.Context, next CacheSettings) (applyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.settingsLocked()
	cfg := next.apply(s.Config)
	vcl, err := render.RenderVCL(render.VCLFor(cfg))
	if err != nil {
		return applyResult{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	memoryChanged := next.Memory != prev.Memory
	var unit string
	if memoryChanged {
		varnishd, _ := exec.LookPath("varnishd")
		if unit, err = render.RenderVarnishUnit(render.UnitFor(cfg, varnishd)); err != nil {
			return applyResult{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	settingsFile, settingsMode, err := mergeSettingsFile(s.configPath(), next)
	if err != nil {
		return applyResult{}, err
	}

	store := backup.New(cfg.Paths.BackupDir, "panel-"+backup.NewRunID(s.now()))
	store.Now = s.now
	res := applyResult{BackupDir: store.Dir}
	var written []backup.Entry
	write := func(path string, data []byte, perm os.FileMode) error {
		e, err := store.Write(ctx, path, data, perm)
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, e)
		res.Written = append(res.Written, path)
		return nil
	}
	rollback := func() {
		for i := len(written) - 1; i >= 0; i-- {
			if err := store.Restore(ctx, written[i]); err != nil {
				s.Log.Error().Err(err).Str("path", written[i].Original).Msg("restore from backup failed")
			}
		}
	}

	if err := write(cfg.Varnish.VCLPath, []byte(vcl), 0o644); err != nil {
		rollback()
		return res, err
	}
	desc, _ := cfg.Service(config.ServiceVarnish)
	if argv := desc.ValidateArgv(); len(argv) > 0 {
		if _, err := shell.Check(ctx, s.Runner, argv[0], argv[1:]...); err != nil {
			rollback()
			return res, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	if memoryChanged {
		if err := write(cfg.Varnish.UnitDropIn, []byte(unit), 0o644); err != nil {
			rollback()
			return res, err
		}
	}
	if err := write(s.configPath(), settingsFile, settingsMode); err != nil {
		rollback()
		return res, err
	}

	if memoryChanged {
		if _, err := shell.Check(ctx, s.Runner, "systemctl", "daemon-reload"); err != nil {
			s.Log.Warn().Err(err).Msg("systemctl daemon-reload failed")
		}
		if err := s.Services.Restart(ctx, desc.Unit); err != nil {
			return res, fmt.Errorf("restart %s: %w", desc.Unit, err)
		}
		res.Restarted = true
	} else if _, err := shell.Check(ctx, s.Runner, "varnishreload"); err != nil {
		return res, fmt.Errorf("varnishreload: %w", err)
	}
	s.settings = &next
	return res, nil
}

func (s *Server) configPath() string {
	if s.Config.Source != "" {
		return s.Config.Source
	}
	return config.DefaultPath
}

// mergeSettingsFile sets the varnish settings in the YAML file at path.
// The document is edited as a node tree so other keys keep their order and
// comments. The returned mode is the file's current one, 0644 when new.
func mergeSettingsFile(path string, c CacheSettings) ([]byte, os.FileMode, error) {
	mode := os.FileMode(0o644)
	var doc yaml.Node
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, 0, fmt.Errorf("parse %s: %w", path, err)
		}
		if fi, err := os.Stat(path); err == nil {
			mode = fi.Mode().Perm()
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mappingNode()}}
	}
	root := doc.Content[0]
	if isNull(root) {
		*root = *mappingNode()
	}
	if root.Kind != yaml.MappingNode {
		return nil, 0, fmt.Errorf("%s: top level is not a mapping", path)
	}
	section := mapValue(root, "varnish")
	switch {
	case section == nil:
		section = mappingNode()
		root.Content = append(root.Content, keyNode("varnish"), section)
	case isNull(section):
		*section = *mappingNode()
	case section.Kind != yaml.MappingNode:
		return nil, 0, fmt.Errorf("%s: varnish is not a mapping", path)
	}
	for _, kv := range []struct {
		key string
		val any
	}{
		{"memory", c.Memory},
		{"defaultTtl", c.DefaultTTL},
		{"staticTtl", c.StaticTTL},
		{"grace", c.Grace},
		{"acl", c.ACL},
	} {
		var v yaml.Node
		if err := v.Encode(kv.val); err != nil {
			return nil, 0, err
		}
		cur := mapValue(section, kv.key)
		if cur == nil {
			section.Content = append(section.Content, keyNode(kv.key), &v)
			continue
		}
		v.HeadComment, v.LineComment, v.FootComment = cur.HeadComment, cur.LineComment, cur.FootComment
		*cur = v
	}

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, 0, err
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}
	return out.Bytes(), mode, nil
}

func mappingNode() *yaml.Node { return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"} }

func keyNode(k string) *yaml.Node { return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k} }

func isNull(n *yaml.Node) bool { return n.Kind == yaml.ScalarNode && n.Tag == "!!null" }

// mapValue returns the value node for key in mapping m, or nil.
func mapValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
