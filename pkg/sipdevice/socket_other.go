//go:build !linux

package sipdevice

import "net"

// setDSCP на остальных платформах не поддерживается
func setDSCP(_ *net.UDPConn, _ int) error {
	return nil
}
