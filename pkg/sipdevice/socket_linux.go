//go:build linux

package sipdevice

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// voicePriority приоритет сокета для интерактивного аудио
const voicePriority = 6

// setDSCP выставляет DSCP маркировку и приоритет сокета
func setDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "syscall conn")
	}
	// DSCP занимает старшие 6 бит поля TOS
	tos := dscp << 2

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); e != nil {
			sockErr = errors.Wrap(e, "IP_TOS")
			return
		}
		// для IPv4 сокета ошибка IPV6_TCLASS ожидаема
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		// в контейнерах SO_PRIORITY может быть недоступен
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, voicePriority)
	})
	if err != nil {
		return errors.Wrap(err, "control")
	}
	return sockErr
}
