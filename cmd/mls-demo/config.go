package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	mls "github.com/suhasHere/groupmls"
)

// The scenario run when no config file is given.  Carol is removed and must
// fail to read what follows; dave joins late and is read by everyone left.
const defaultScenario = `
group_id: demo-group
suite: X25519_AES128GCM_SHA256_Ed25519
members: [alice, bob, carol]
steps:
  - send: {from: alice, text: hello}
  - remove: {by: bob, member: carol}
  - send: {from: alice, text: carol cannot read this}
  - update: bob
  - add: {by: alice, member: dave}
  - send: {from: dave, text: hi from dave}
`

type config struct {
	GroupID          string `yaml:"group_id"`
	Suite            string `yaml:"suite"`
	Members          []string
	EncryptHandshake bool   `yaml:"encrypt_handshake"`
	Padding          int    `yaml:"padding"`
	RedisAddr        string `yaml:"redis_addr"`
	Steps            []step

	suite mls.CipherSuite
}

// Exactly one field of a step is set
type step struct {
	Send   *sendStep   `yaml:"send"`
	Remove *memberStep `yaml:"remove"`
	Add    *memberStep `yaml:"add"`
	Update string      `yaml:"update"`
}

type sendStep struct {
	From string
	Text string
}

type memberStep struct {
	By     string
	Member string
}

func (s step) String() string {
	switch {
	case s.Send != nil:
		return fmt.Sprintf("send %q from %s", s.Send.Text, s.Send.From)
	case s.Remove != nil:
		return fmt.Sprintf("%s removes %s", s.Remove.By, s.Remove.Member)
	case s.Add != nil:
		return fmt.Sprintf("%s adds %s", s.Add.By, s.Add.Member)
	case s.Update != "":
		return fmt.Sprintf("%s updates", s.Update)
	}
	return "empty step"
}

func parseConfig(data []byte) (*config, error) {
	cfg := new(config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(path string) (*config, error) {
	if path == "" {
		return parseConfig([]byte(defaultScenario))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

func (cfg *config) validate() error {
	if cfg.GroupID == "" {
		return fmt.Errorf("config: group_id is required")
	}

	if len(cfg.Members) == 0 {
		return fmt.Errorf("config: at least one member is required")
	}

	if cfg.Suite == "" {
		cfg.Suite = mls.X25519_AES128GCM_SHA256_Ed25519.String()
	}

	suite, err := mls.CipherSuiteByName(cfg.Suite)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.suite = suite

	known := map[string]bool{}
	for _, m := range cfg.Members {
		if known[m] {
			return fmt.Errorf("config: member %q listed twice", m)
		}
		known[m] = true
	}

	for i, s := range cfg.Steps {
		set := 0
		if s.Send != nil {
			set++
		}
		if s.Remove != nil {
			set++
		}
		if s.Add != nil {
			set++
		}
		if s.Update != "" {
			set++
		}

		if set != 1 {
			return fmt.Errorf("config: step %d must set exactly one action", i)
		}
	}

	return nil
}
