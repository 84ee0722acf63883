package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input string
		want  Mode
	}{
		{"proxy", ModeProxy},
		{"PROXY", ModeProxy},
		{" proxy ", ModeProxy},
		{"redirect", ModeRedirect},
		{"", ModeRedirect},
		{"mirror", ModeRedirect},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMode(tt.input))
		})
	}
}

func TestModeScan(t *testing.T) {
	var m Mode
	require.NoError(t, m.Scan([]byte("proxy")))
	assert.Equal(t, ModeProxy, m)

	require.NoError(t, m.Scan("something-new"))
	assert.Equal(t, ModeRedirect, m)

	require.NoError(t, m.Scan(nil))
	assert.Equal(t, ModeRedirect, m)

	assert.Error(t, m.Scan(42))
}

func TestModeJSON(t *testing.T) {
	var body struct {
		Mode Mode `json:"mode"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"proxy"}`), &body))
	assert.Equal(t, ModeProxy, body.Mode)

	require.NoError(t, json.Unmarshal([]byte(`{"mode":"bogus"}`), &body))
	assert.Equal(t, ModeRedirect, body.Mode)

	out, err := json.Marshal(Link{ShortCode: "x", Mode: ModeProxy})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"mode":"proxy"`)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"example.com", "http://example.com"},
		{"example.com/x", "http://example.com/x"},
		{"http://example.com", "http://example.com"},
		{"https://example.com/a?b=c", "https://example.com/a?b=c"},
		{"HTTPS://Example.com", "HTTPS://Example.com"},
		{"ftp://example.com", "http://ftp://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.raw))
		})
	}
}
