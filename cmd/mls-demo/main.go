// Command mls-demo runs a scripted conversation between group members, either
// in one process or relayed through Redis.
package main

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func main() {
	opts := parseOptions()
	log := newLogger(opts.verbose)
	defer log.Sync()

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	if opts.suite != "" {
		cfg.Suite = opts.suite
	}
	if opts.redisAddr != "" {
		cfg.RedisAddr = opts.redisAddr
	}
	if err := cfg.validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	var net transport = newInprocTransport()
	if cfg.RedisAddr != "" {
		net, err = newRedisTransport(ctx, cfg.RedisAddr, []byte(cfg.GroupID), log)
		if err != nil {
			log.Fatal("starting relay", zap.Error(err))
		}
	}
	defer net.close()

	log.Info("running scenario",
		zap.String("group", cfg.GroupID),
		zap.String("suite", cfg.Suite),
		zap.Int("steps", len(cfg.Steps)),
		zap.Bool("redis", cfg.RedisAddr != ""))

	if err := newScenario(cfg, net, log).run(ctx); err != nil {
		log.Fatal("scenario failed", zap.Error(err))
	}
}
