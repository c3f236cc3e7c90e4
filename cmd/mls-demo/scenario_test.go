package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func runScenario(t *testing.T, cfg *config) *scenario {
	s := newScenario(cfg, newInprocTransport(), zaptest.NewLogger(t))
	require.Nil(t, s.run(context.Background()))
	return s
}

func TestDefaultScenario(t *testing.T) {
	cfg, err := loadConfig("")
	require.Nil(t, err)

	s := runScenario(t, cfg)
	require.True(t, s.members["carol"].removed)
	require.False(t, s.members["dave"].removed)

	members, err := s.members["alice"].group.Members()
	require.Nil(t, err)
	require.Len(t, members, 3)
}

func TestEncryptedHandshakeScenario(t *testing.T) {
	cfg, err := loadConfig("")
	require.Nil(t, err)
	cfg.EncryptHandshake = true
	cfg.Padding = 32

	s := runScenario(t, cfg)
	require.True(t, s.members["carol"].removed)
}

func TestScenarioErrors(t *testing.T) {
	bad := map[string]string{
		"unknown sender": "group_id: g\nmembers: [a, b]\nsteps: [{send: {from: z, text: x}}]",
		"removed sender": "group_id: g\nmembers: [a, b, c]\nsteps: [{remove: {by: a, member: c}}, {update: c}]",
		"add existing":   "group_id: g\nmembers: [a, b]\nsteps: [{add: {by: a, member: b}}]",
		"remove unknown": "group_id: g\nmembers: [a, b]\nsteps: [{remove: {by: a, member: z}}]",
	}

	for name, data := range bad {
		cfg, err := parseConfig([]byte(data))
		require.Nil(t, err, name)

		s := newScenario(cfg, newInprocTransport(), zaptest.NewLogger(t))
		require.Error(t, s.run(context.Background()), name)
	}
}
