// Package printer holds connection identity of one printer
// and fixed parameters of its network services.
package printer

import (
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/juju/errors"
)

// Fixed by printer firmware.
const (
	Username      = "bblp"
	PortTelemetry = 8883
	PortFiles     = 990
	PortMedia     = 322
)

var secretRegexp = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// Printer is immutable connection identity, pass by value.
// Secret is the LAN access code, shared password for all services.
type Printer struct {
	Name    string `hcl:"name,key" json:"name"`
	Address string `hcl:"address" json:"address"`
	Secret  string `hcl:"secret" json:"-"`
}

func (p Printer) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Address)
}

// HostPort joins printer address with service port.
func (p Printer) HostPort(port int) string {
	return net.JoinHostPort(p.Address, strconv.Itoa(port))
}

// Validate is for input layers. Clients never call it,
// invalid identity just fails to connect.
func (p Printer) Validate() error {
	ip := net.ParseIP(p.Address)
	if ip == nil || ip.To4() == nil {
		return errors.NotValidf("printer=%s address=%q", p.Name, p.Address)
	}
	if !secretRegexp.MatchString(p.Secret) {
		return errors.NotValidf("printer=%s secret (expected 8 letters or digits)", p.Name)
	}
	return nil
}
