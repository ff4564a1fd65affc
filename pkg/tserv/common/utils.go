package common

import (
	"net"
	"time"
)

// SetReadDeadline sets a read deadline of now+timeout on the connection.
func SetReadDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(timeout))
}

// SetWriteDeadline sets a write deadline of now+timeout on the connection.
func SetWriteDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}

// ClearDeadline removes any read/write deadlines from the connection.
func ClearDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Time{})
}
