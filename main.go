package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/mdns/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"greenhouse/internal/config"
	"greenhouse/internal/contextdata"
	"greenhouse/internal/db"
	"greenhouse/internal/engine"
	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/mqtt"
	"greenhouse/internal/queue"
	"greenhouse/internal/redis"
	"greenhouse/internal/scheduler"
	"greenhouse/internal/services"
	"greenhouse/internal/telemetry"
	"greenhouse/internal/web"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	dbConn, err := db.NewDB(cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer dbConn.Close()

	redisClient := redis.NewRedisClient(cfg.RedisAddr)
	defer redisClient.Close()

	mqttClient, err := mqtt.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT")
	}
	defer mqttClient.Disconnect(250)

	met := metrics.New()
	hub := events.NewHub(logger)
	sink := events.MultiSink{events.NewLogSink(logger), hub}

	// Context data plumbing.
	store := contextdata.NewDataStore(dbConn, redisClient, logger)
	cache := contextdata.NewCache(cfg.CacheMaxSize, cfg.CacheTTL)
	defer cache.Close()
	fetcher := contextdata.NewFetcher(store, cache, cfg.CacheTTL, met, logger)

	// Telemetry ingest keeps the snapshot/history side of the store fresh.
	ingestor := telemetry.NewIngestor(redisClient, cfg.HistoryMaxLen, logger)
	if err := ingestor.Start(mqttClient); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to telemetry")
	}

	// Critical action queue, handlers and worker.
	producer := queue.NewProducer(redisClient, queue.ProducerConfig{
		Stream:    cfg.QueueStream,
		DLQStream: cfg.QueueDLQStream,
		MaxLen:    cfg.QueueMaxLen,
	}, met, logger)

	notifier := services.NewNotificationService(dbConn, logger)
	registry := queue.NewRegistry(queue.RegistryDeps{
		Devices:   dbConn,
		Commander: mqtt.NewCommander(mqttClient),
		Notifier:  notifier,
		Oplog:     dbConn,
	}, logger)

	worker := queue.NewWorker(redisClient, registry, sink, met, queue.WorkerConfig{
		Stream:       cfg.QueueStream,
		DLQStream:    cfg.QueueDLQStream,
		Group:        cfg.QueueGroup,
		MaxRetries:   cfg.WorkerMaxRetries,
		RetryDelay:   cfg.WorkerRetryDelay,
		BlockTimeout: cfg.WorkerBlockTimeout,
		DLQMaxLen:    cfg.QueueMaxLen,
	}, logger)

	// The two periodic loops.
	dispatcher := engine.NewDispatcher(producer, dbConn, logger)
	eng := engine.NewEngine(dbConn, fetcher, dispatcher, sink, met, engine.Config{
		Interval:           cfg.EngineInterval,
		CooldownByPriority: cfg.CooldownByPriority,
	}, logger)
	sched := scheduler.NewScheduler(dbConn, producer, dbConn, sink, met, cfg.SchedulerInterval, logger)

	ctx := context.Background()
	worker.Start(ctx)
	eng.Start(ctx)
	sched.Start(ctx)

	webServer := web.NewWebServer(producer, hub, met, cfg.JWTSecret, logger)
	go func() {
		if err := webServer.Start(cfg.HTTPAddr); err != nil {
			log.Error().Err(err).Msg("Web server exited")
		}
	}()

	go startMDNSServer(cfg.MDNSLocalName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	eng.Stop()
	sched.Stop()
	worker.Stop()
	hub.Close()
	log.Info().Msg("Shutdown complete")
}

func startMDNSServer(localName string) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve UDP4 address for mDNS")
		return
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve UDP6 address for mDNS")
		return
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to listen on UDP4 for mDNS")
		return
	}

	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to listen on UDP6 for mDNS")
		return
	}

	_, err = mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to start mDNS server")
	}
}
