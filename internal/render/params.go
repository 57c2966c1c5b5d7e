package render

import "github.com/turnuphosting/latest-varnish/internal/config"

// VCLFor maps the configuration onto VCL template parameters.
func VCLFor(cfg config.Config) VCLParams {
	return VCLParams{
		BackendHost: cfg.Varnish.BackendHost,
		BackendPort: cfg.Ports.BackendHTTP,
		ProxyPort:   cfg.Ports.InternalProxy,
		PurgeACL:    cfg.Varnish.ACL,
		DefaultTTL:  cfg.Varnish.DefaultTTL,
		StaticTTL:   cfg.Varnish.StaticTTL,
		Grace:       cfg.Varnish.Grace,
	}
}

// HitchFor maps the configuration onto hitch.conf parameters. Hitch always
// hands off to the local Varnish PROXY listener.
func HitchFor(cfg config.Config) HitchParams {
	return HitchParams{
		ListenPort:  cfg.Ports.HTTPS,
		BackendHost: "127.0.0.1",
		BackendPort: cfg.Ports.InternalProxy,
		PemDir:      cfg.Hitch.CertDir,
		Ciphers:     cfg.Hitch.Ciphers,
		User:        cfg.Hitch.User,
		Group:       cfg.Hitch.Group,
		Workers:     cfg.Hitch.Workers,
	}
}

func UnitFor(cfg config.Config, varnishd string) UnitParams {
	if varnishd == "" {
		varnishd = "/usr/sbin/varnishd"
	}
	return UnitParams{
		VarnishdPath: varnishd,
		HTTPPort:     cfg.Ports.HTTP,
		ProxyPort:    cfg.Ports.InternalProxy,
		AdminPort:    cfg.Ports.VarnishAdmin,
		SecretPath:   cfg.Varnish.SecretPath,
		VCLPath:      cfg.Varnish.VCLPath,
		Memory:       cfg.Varnish.Memory,
	}
}
