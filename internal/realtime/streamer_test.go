package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostWithoutPort(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"http://example.com:8080", "example.com"},
		{"https://example.com", "example.com"},
		{"127.0.0.1:3000", "127.0.0.1"},
		{"", ""},
		{"  dashboard.local:443  ", "dashboard.local"},
		{"http://localhost:5173", "localhost"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, hostWithoutPort(tc.input), "input %q", tc.input)
	}
}

func TestIsLoopback(t *testing.T) {
	require.True(t, isLoopback("127.0.0.1"))
	require.True(t, isLoopback("::1"))
	require.True(t, isLoopback("localhost"))
	require.True(t, isLoopback("LOCALHOST"))
	require.False(t, isLoopback("example.com"))
	require.False(t, isLoopback("10.0.0.1"))
}
