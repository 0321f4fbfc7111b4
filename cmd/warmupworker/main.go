// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/CrawX/warmupworker/internal/batch"
	"github.com/CrawX/warmupworker/internal/config"
	"github.com/CrawX/warmupworker/internal/cooldown"
	"github.com/CrawX/warmupworker/internal/credential"
	"github.com/CrawX/warmupworker/internal/cryptotoken"
	"github.com/CrawX/warmupworker/internal/dispatch"
	"github.com/CrawX/warmupworker/internal/ingest"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/logstore"
	"github.com/CrawX/warmupworker/internal/queue"
	"github.com/CrawX/warmupworker/internal/rescue"
	"github.com/CrawX/warmupworker/internal/tracing"
)

func main() {
	logging.Init("info")
	logger := logging.Logger(logging.Main)

	conf, err := config.Load()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}
	logging.SetLevel(conf.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "warmupworker")
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start tracing")
	}
	defer shutdownTracing(context.Background())

	cipher, err := cryptotoken.NewFromHex(conf.EncryptionSecretHex)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not build cipher")
	}

	store, err := logstore.New(conf.DatabaseURL, conf.DatabaseTLSPath)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to relational store")
	}
	defer store.Close()

	cooldownStore, err := cooldown.New(conf.RedisURL)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to cooldown store")
	}
	defer cooldownStore.Close()

	queueAdapter, err := queue.New(ctx, conf.QueueURL, conf.QueueRegion, conf.QueueAccessKey, conf.QueueSecretKey)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start queue adapter")
	}

	resolver := credential.New(store, cipher)
	dispatcher := dispatch.New(resolver, conf.OAuthRedirectURI)
	rescuer := rescue.New(resolver, conf.OAuthRedirectURI)

	ingestLoop := ingest.New(queueAdapter, cooldownStore, store, conf.IngestConcurrency, conf.IngestInterval)
	batchLoop := batch.New(queueAdapter, cooldownStore, rescuer, dispatcher, store, store, conf.SenderConcurrency, conf.BatchInterval)

	var wg sync.WaitGroup
	run := func(name string, loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("loop", name).Info("Starting loop")
			loop(ctx)
			logger.WithField("loop", name).Info("Loop stopped")
		}()
	}

	run("ingest", ingestLoop.Run)
	run("batch", batchLoop.Run)

	<-ctx.Done()
	logger.Info("Shutdown signal received, waiting for loops to drain")
	wg.Wait()
}
