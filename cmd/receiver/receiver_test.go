package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morpheus/starping/internal/packet"
)

func TestNewServer(t *testing.T) {
	s, err := newServer("good")
	require.NoError(t, err)
	assert.Equal(t, packet.Good, s.Reply)

	s, err = newServer("MISMATCH")
	require.NoError(t, err)
	assert.Equal(t, packet.Mismatch, s.Reply)

	s, err = newServer("01 02 05")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x05}, s.Reply)

	s, err = newServer("hold")
	require.NoError(t, err)
	assert.True(t, s.Hold)

	s, err = newServer("reset")
	require.NoError(t, err)
	assert.True(t, s.Reset)

	s, err = newServer("silent")
	require.NoError(t, err)
	assert.Empty(t, s.Reply)

	_, err = newServer("zz")
	assert.Error(t, err)
	_, err = newServer("")
	assert.Error(t, err)
}

func TestGetSystemIP(t *testing.T) {
	ip := net.ParseIP(getSystemIP())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
