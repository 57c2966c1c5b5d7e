package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	yaml "gopkg.in/yaml.v3"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

var ErrWHMAPI = errors.New("whmapi1 call failed")

// WHMAPI calls cPanel's whmapi1 CLI, which prints YAML.
type WHMAPI struct {
	Runner shell.Runner
	Path   string
}

type whmapiResponse struct {
	Metadata struct {
		Command string `yaml:"command"`
		Reason  string `yaml:"reason"`
		Result  int    `yaml:"result"`
	} `yaml:"metadata"`
}

// Call runs fn with key=value arguments in sorted key order. A zero
// metadata.result is reported as ErrWHMAPI with cPanel's reason.
func (w WHMAPI) Call(ctx context.Context, fn string, args map[string]string) error {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	argv := []string{fn, "--output=yaml"}
	for _, k := range keys {
		argv = append(argv, k+"="+args[k])
	}
	res, err := shell.Check(ctx, w.Runner, w.Path, argv...)
	if err != nil {
		return err
	}
	return parseWHMAPI(fn, res.Stdout)
}

func parseWHMAPI(fn string, out []byte) error {
	var resp whmapiResponse
	if err := yaml.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("%w: %s: unreadable output: %v", ErrWHMAPI, fn, err)
	}
	if resp.Metadata.Result != 1 {
		reason := resp.Metadata.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s: %s", ErrWHMAPI, fn, reason)
	}
	return nil
}
