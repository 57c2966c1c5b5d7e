package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turnuphosting/latest-varnish/internal/config"
)

var (
	// Version info (set by build)
	Version   = "dev"
	GitCommit = "unknown"

	cfgFile    string
	outputJSON bool
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitFailed = 2
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fatal(err error) error { return &exitError{code: exitFatal, err: err} }

// errStepsFailed marks a run that completed with failed steps. The report
// has already been printed.
var errStepsFailed = &exitError{code: exitFailed}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cpvarnish",
		Short: "Varnish and Hitch for cPanel",
		Long: `cpvarnish puts Varnish in front of Apache on a cPanel host, with Hitch
terminating TLS on 443, and keeps the certificates Hitch serves in sync.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cobra.OnInitialize(initViper)

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath+")")
	pf.BoolVar(&outputJSON, "json", false, "output in JSON format")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.Int("http-port", 0, "public HTTP port served by Varnish")
	pf.Int("https-port", 0, "public HTTPS port served by Hitch")
	pf.Int("backend-http-port", 0, "port Apache is moved to for HTTP")
	pf.Int("backend-https-port", 0, "port Apache is moved to for HTTPS")
	for _, name := range []string{"log-level", "http-port", "https-port", "backend-http-port", "backend-https-port"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newInstallCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newCertsCmd(),
		newRenderCmd(),
		newPurgeCmd(),
		newVersionCmd(),
	)
	return root
}

func initViper() {
	viper.SetEnvPrefix("CPV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the file and CPV_* environment through config.Load and
// lets explicit flags override them.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	return applyOverrides(cfg, viper.GetViper())
}

func applyOverrides(cfg config.Config, v *viper.Viper) (config.Config, error) {
	ports := map[string]*int{
		"http-port":          &cfg.Ports.HTTP,
		"https-port":         &cfg.Ports.HTTPS,
		"backend-http-port":  &cfg.Ports.BackendHTTP,
		"backend-https-port": &cfg.Ports.BackendHTTPS,
	}
	for key, dst := range ports {
		if v.IsSet(key) && v.GetInt(key) != 0 {
			*dst = v.GetInt(key)
		}
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
		l, err := parseLevel(lvl)
		if err != nil {
			return cfg, err
		}
		cfg.LogLevel = l
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}

func main() {
	err := newRootCmd().Execute()
	if err != nil && err != errStepsFailed {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
