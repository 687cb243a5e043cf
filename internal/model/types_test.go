package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	valid := map[string]Endpoint{
		"gw.local":          {Host: "gw.local", Port: 1883},
		" gw.local ":        {Host: "gw.local", Port: 1883},
		"gw.local:4403":     {Host: "gw.local", Port: 4403},
		"192.168.1.20":      {Host: "192.168.1.20", Port: 1883},
		"192.168.1.20:1884": {Host: "192.168.1.20", Port: 1884},
		"[fe80::1]":         {Host: "fe80::1", Port: 1883},
		"[fe80::1]:1884":    {Host: "fe80::1", Port: 1884},
	}
	for in, want := range valid {
		got, err := ParseEndpoint(in, DefaultGatewayPort)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	invalid := []string{
		"",
		"bad:port:x",
		"a b c",
		"gw.local:",
		"gw.local:0",
		"gw.local:70000",
		"gw.local:abc",
		":1883",
		"fe80::1",
		"[fe80::1",
		"[not-an-ip]",
		"[]",
	}
	for _, in := range invalid {
		_, err := ParseEndpoint(in, DefaultGatewayPort)
		assert.Error(t, err, "%q", in)
	}
}

func TestEndpointStringRoundTrips(t *testing.T) {
	for _, ep := range []Endpoint{{Host: "gw.local", Port: 1883}, {Host: "fe80::1", Port: 4403}} {
		got, err := ParseEndpoint(ep.String(), 0)
		require.NoError(t, err)
		assert.Equal(t, ep, got)
	}
}
