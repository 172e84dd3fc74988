package wire

import (
	"fmt"
	"net"
)

// Addr identifies one communicator endpoint as an IPv4 address and port.
type Addr struct {
	IP   net.IP
	Port int
}

// NewAddr builds an Addr from a textual IPv4 address.
func NewAddr(ip string, port int) Addr {
	return Addr{IP: net.ParseIP(ip), Port: port}
}

// Equal reports structural equality of two addresses.
func (a Addr) Equal(b Addr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// UDPAddr converts the address for use with the net package.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}
