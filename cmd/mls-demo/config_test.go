package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	mls "github.com/suhasHere/groupmls"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.Nil(t, err)
	require.Equal(t, "demo-group", cfg.GroupID)
	require.Equal(t, []string{"alice", "bob", "carol"}, cfg.Members)
	require.Equal(t, mls.X25519_AES128GCM_SHA256_Ed25519, cfg.suite)
	require.Len(t, cfg.Steps, 6)

	require.Equal(t, `send "hello" from alice`, cfg.Steps[0].String())
	require.Equal(t, "bob removes carol", cfg.Steps[1].String())
	require.Equal(t, "bob updates", cfg.Steps[3].String())
	require.Equal(t, "alice adds dave", cfg.Steps[4].String())
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`
group_id: g
suite: P256_AES128GCM_SHA256_P256
members: [a, b]
encrypt_handshake: true
padding: 64
redis_addr: localhost:6379
steps:
  - update: a
`))
	require.Nil(t, err)
	require.Equal(t, mls.P256_AES128GCM_SHA256_P256, cfg.suite)
	require.True(t, cfg.EncryptHandshake)
	require.Equal(t, 64, cfg.Padding)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)

	// The suite defaults when omitted
	cfg, err = parseConfig([]byte("group_id: g\nmembers: [a]\n"))
	require.Nil(t, err)
	require.Equal(t, mls.X25519_AES128GCM_SHA256_Ed25519, cfg.suite)
}

func TestParseConfigErrors(t *testing.T) {
	bad := map[string]string{
		"syntax":          "group_id: [",
		"no group":        "members: [a]",
		"no members":      "group_id: g",
		"unknown suite":   "group_id: g\nmembers: [a]\nsuite: ROT13",
		"duplicate":       "group_id: g\nmembers: [a, a]",
		"empty step":      "group_id: g\nmembers: [a]\nsteps: [{}]",
		"two action step": "group_id: g\nmembers: [a]\nsteps: [{update: a, send: {from: a, text: x}}]",
	}

	for name, data := range bad {
		_, err := parseConfig([]byte(data))
		require.Error(t, err, name)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("/nonexistent/scenario.yaml")
	require.Error(t, err)
}
