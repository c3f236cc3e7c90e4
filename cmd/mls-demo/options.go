package main

import (
	"flag"
	"fmt"
	"time"
)

const usage = `mls-demo [options]

Run a scripted group conversation.  Every member keeps its own Group; commits,
application messages and Welcomes travel between them as encoded bytes.

options:
  -config FILE
    A YAML scenario.  Without one, a built-in scenario runs: three members
    join, one is removed, another updates its key and a fourth is added.

  -redis ADDR
    Relay messages through the Redis server at ADDR (e.g. localhost:6379)
    instead of in-process queues.  Overrides redis_addr in the config.

  -suite NAME
    Cipher suite name, e.g. P256_AES128GCM_SHA256_P256.  Overrides suite
    in the config.

  -timeout DURATION
    Abort the run if it has not finished after DURATION.  Default 10s.

  -verbose
    Log at debug level.

example:
    ./mls-demo -redis localhost:6379 -suite X448_CHACHA20POLY1305_SHA512_Ed448`

func printUsage() {
	fmt.Println(usage)
}

type options struct {
	configFile string
	redisAddr  string
	suite      string
	timeout    time.Duration
	verbose    bool
}

func parseOptions() *options {
	opts := options{}

	flag.Usage = printUsage
	flag.StringVar(&opts.configFile, "config", "", "")
	flag.StringVar(&opts.redisAddr, "redis", "", "")
	flag.StringVar(&opts.suite, "suite", "", "")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "")
	flag.BoolVar(&opts.verbose, "verbose", false, "")
	flag.Parse()

	return &opts
}
