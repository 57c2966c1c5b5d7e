package host

import (
	"context"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Listener is the process bound to a TCP port.
type Listener struct {
	Port    int    `json:"port"`
	PID     int32  `json:"pid,omitempty"`
	Process string `json:"process,omitempty"`
}

type PortInspector interface {
	Listener(ctx context.Context, port int) (Listener, bool, error)
}

// NetPorts reads the kernel socket table through gopsutil.
type NetPorts struct{}

func (NetPorts) Listener(ctx context.Context, port int) (Listener, bool, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return Listener{Port: port}, false, err
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		l := Listener{Port: port, PID: c.Pid}
		if c.Pid > 0 {
			if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
				if name, err := p.NameWithContext(ctx); err == nil {
					l.Process = name
				}
			}
		}
		return l, true, nil
	}
	return Listener{Port: port}, false, nil
}
