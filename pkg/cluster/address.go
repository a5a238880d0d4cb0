package cluster

import (
	"context"
	"net"
	"os"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// AddressResolver returns the address other ranks can use to reach this one
type AddressResolver func(ctx context.Context) (string, error)

// StaticAddress always resolves to addr
func StaticAddress(addr string) AddressResolver {
	return func(context.Context) (string, error) {
		return addr, nil
	}
}

// HostnameAddress resolves the host name of the machine to its first IPv4
// address, falling back to the first non-loopback interface address.
func HostnameAddress(ctx context.Context) (string, error) {
	host, err := os.Hostname()
	if err == nil {
		addrs, lookupErr := net.DefaultResolver.LookupIPAddr(ctx, host)
		if lookupErr == nil {
			for _, a := range addrs {
				if ip4 := a.IP.To4(); ip4 != nil {
					return ip4.String(), nil
				}
			}
		}
	}

	ifaceAddrs, ifaceErr := net.InterfaceAddrs()
	if ifaceErr != nil {
		return "", types.WrapError(types.ErrCodeUnavailable, "failed to detect local address", ifaceErr)
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "127.0.0.1", nil
}
