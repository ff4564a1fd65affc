package server

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerInfoString(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9", PeerInfo{Addr: "127.0.0.1", Port: 9}.String())
	assert.Equal(t, "[::1]:80", PeerInfo{Addr: "::1", Port: 80}.String())
}

func TestPeerInfoFromTCPAddr(t *testing.T) {
	p := peerInfo(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4321}, false)
	assert.Equal(t, "tcp4", p.Family)
	assert.Equal(t, 4321, p.Port)
	assert.Equal(t, "127.0.0.1", p.Addr)
	assert.Equal(t, p.Addr, p.Name)

	p6 := peerInfo(&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 80}, false)
	assert.Equal(t, "tcp6", p6.Family)
	assert.Equal(t, "2001:db8::1", p6.Addr)
}

func TestPeerInfoResolvesName(t *testing.T) {
	orig := lookupAddr
	t.Cleanup(func() { lookupAddr = orig })

	lookupAddr = func(addr string) ([]string, error) {
		assert.Equal(t, "127.0.0.1", addr)
		return []string{"echo.example.com."}, nil
	}
	p := peerInfo(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4321}, true)
	assert.Equal(t, "echo.example.com", p.Name)
	assert.Equal(t, "127.0.0.1", p.Addr)
}

func TestPeerInfoResolutionFailureKeepsAddr(t *testing.T) {
	orig := lookupAddr
	t.Cleanup(func() { lookupAddr = orig })

	lookupAddr = func(string) ([]string, error) {
		return nil, errors.New("no PTR record")
	}
	p := peerInfo(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4321}, true)
	assert.Equal(t, p.Addr, p.Name)

	lookupAddr = func(string) ([]string, error) {
		return nil, nil
	}
	p = peerInfo(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4321}, true)
	assert.Equal(t, p.Addr, p.Name)
}

func TestPeerInfoFromNonTCPAddr(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	p := peerInfo(server.RemoteAddr(), false)
	assert.Equal(t, "pipe", p.Family)
	assert.Equal(t, "pipe", p.Addr)
	assert.Equal(t, p.Addr, p.Name)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = client.Close() }()

	c := newConn(server, false)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// A pipe read returns the moment the far end is closed.
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
