package config

import (
	"path/filepath"

	"github.com/turnuphosting/latest-varnish/internal/host"
)

const (
	ServiceVarnish = "varnish"
	ServiceHitch   = "hitch"
	ServiceHTTPD   = "httpd"
)

// Service returns the descriptor for one of the managed daemons.
func (c Config) Service(name string) (host.ServiceDescriptor, bool) {
	switch name {
	case ServiceVarnish:
		return host.ServiceDescriptor{
			Name:            ServiceVarnish,
			Unit:            "varnish",
			ListenPorts:     []int{c.Ports.HTTP, c.Ports.InternalProxy},
			ConfigPath:      c.Varnish.VCLPath,
			ValidateCommand: []string{"varnishd", "-C", "-f", "{config}"},
			ProcessNames:    []string{"varnishd", "cache-main"},
		}, true
	case ServiceHitch:
		return host.ServiceDescriptor{
			Name:            ServiceHitch,
			Unit:            "hitch",
			ListenPorts:     []int{c.Ports.HTTPS},
			ConfigPath:      c.Hitch.ConfigPath,
			ValidateCommand: []string{"hitch", "--test", "--config={config}"},
			ProcessNames:    []string{"hitch"},
		}, true
	case ServiceHTTPD:
		return host.ServiceDescriptor{
			Name:            ServiceHTTPD,
			Unit:            "httpd",
			ListenPorts:     []int{c.Ports.BackendHTTP, c.Ports.BackendHTTPS},
			ConfigPath:      filepath.Clean(firstOr(c.Paths.ApacheConf, "/etc/apache2/conf/httpd.conf")),
			ValidateCommand: []string{"httpd", "-t"},
			ProcessNames:    []string{"httpd", "apache2"},
		}, true
	}
	return host.ServiceDescriptor{}, false
}

// Services returns descriptors for names, skipping unknown ones.
func (c Config) Services(names ...string) []host.ServiceDescriptor {
	var out []host.ServiceDescriptor
	for _, n := range names {
		if d, ok := c.Service(n); ok {
			out = append(out, d)
		}
	}
	return out
}

func firstOr(list []string, def string) string {
	if len(list) > 0 && list[0] != "" {
		return list[0]
	}
	return def
}
