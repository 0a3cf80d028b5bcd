//go:build windows

package merr

import (
	"golang.org/x/sys/windows"
)

// FromWinsockErrno maps a WSA error code onto the taxonomy, the Windows
// counterpart to FromErrno. Mirrors mordor/common/exception.cpp's WINDOWS
// branch of throwExceptionFromLastError.
func FromWinsockErrno(op string, errno windows.Errno) *Error {
	switch errno {
	case windows.WSAEINTR:
		return Wrap(KindNative, op, errno)
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
		return Wrap(KindFileNotFound, op, errno)
	case windows.ERROR_INVALID_HANDLE:
		return Wrap(KindBadHandle, op, errno)
	case windows.ERROR_BROKEN_PIPE:
		return Wrap(KindBrokenPipe, op, errno)
	case windows.ERROR_OPERATION_ABORTED, windows.WSAECANCELLED:
		return Wrap(KindCancelled, op, errno)
	case windows.WSAETIMEDOUT:
		return Wrap(KindTimedOut, op, errno)
	case windows.WSAEADDRINUSE:
		return Wrap(KindAddressInUse, op, errno)
	case windows.WSAECONNABORTED:
		return Wrap(KindConnectionAborted, op, errno)
	case windows.WSAECONNRESET:
		return Wrap(KindConnectionReset, op, errno)
	case windows.WSAECONNREFUSED:
		return Wrap(KindConnectionRefused, op, errno)
	case windows.WSAEHOSTDOWN:
		return Wrap(KindHostDown, op, errno)
	case windows.WSAEHOSTUNREACH:
		return Wrap(KindHostUnreachable, op, errno)
	case windows.WSAENETDOWN:
		return Wrap(KindNetworkDown, op, errno)
	case windows.WSAENETRESET:
		return Wrap(KindNetworkReset, op, errno)
	case windows.WSAENETUNREACH:
		return Wrap(KindNetworkUnreachable, op, errno)
	default:
		return Wrap(KindNative, op, errno)
	}
}
