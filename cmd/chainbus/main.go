package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chainbus/internal/application/container"
	"chainbus/internal/application/service"
	"chainbus/internal/application/usecase/monitor"
	"chainbus/internal/infrastructure/config"
	"chainbus/internal/infrastructure/logger"
	"chainbus/internal/stream"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := container.New(cfg, nil)
	defer c.Close()

	cache, err := c.Cache()
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("price cache init failed")
	}

	ch, err := c.Channel()
	if err != nil {
		log.Fatal().Err(err).Str("redis", cfg.Stream.RedisAddr).Msg("stream channel init failed")
	}

	archiver, err := c.Archiver()
	if err != nil {
		log.Fatal().Err(err).Str("sqlite", cfg.Archive.SQLitePath).Msg("archiver init failed")
	}

	var wg sync.WaitGroup
	runConsumer := func(name string, cons *stream.Consumer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cons.Run(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Str("consumer", name).Msg("consumer exited")
			}
		}()
	}

	// archive consumer: opportunities -> sqlite
	runConsumer("archive", ch.NewConsumer(c.ConsumerConfig(cfg.Stream.Consumer), archiver.Handle))

	// dead-letter mirror: quarantined entries -> sqlite, for inspection
	deadCfg := c.ConsumerConfig(cfg.Stream.Consumer + "-dead")
	deadCfg.Stream = ch.DeadStream()
	deadCfg.Group = cfg.Stream.Group + "-dead"
	runConsumer("dead-mirror", ch.NewRawConsumer(deadCfg, archiver.MirrorDeadLetter))

	// optional warm-store consumer on its own group so sqlite and
	// postgres each see the full stream
	warm, err := c.WarmArchive()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres archive init failed")
	}
	if warm != nil {
		pgCfg := c.ConsumerConfig(cfg.Stream.Consumer + "-pg")
		pgCfg.Group = cfg.Stream.Group + "-pg"
		runConsumer("archive-pg", ch.NewConsumer(pgCfg, service.NewArchiver(warm).Handle))
	}

	svc := monitor.NewService(monitor.ServiceDeps{
		Channel: ch,
		Cache:   cache,
		Every:   time.Duration(cfg.App.ReportEverySec) * time.Second,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("monitor exited")
		}
	}()

	log.Info().
		Str("config", *configPath).
		Str("stream", ch.Stream()).
		Str("group", cfg.Stream.Group).
		Str("cache", cfg.Cache.Path).
		Int("capacity", cache.Capacity()).
		Msg("chainbus started")

	<-ctx.Done()
	stop()
	wg.Wait()

	// flush whatever producers queued before the signal landed
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.Drain(drainCtx); err != nil {
		log.Error().Err(err).Msg("drain on shutdown failed")
	}
	log.Info().Msg("chainbus stopped")
}
