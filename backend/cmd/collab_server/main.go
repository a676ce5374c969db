package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabnote/backend/config"
	"collabnote/backend/internal/cache"
	"collabnote/backend/internal/collab"
	"collabnote/backend/internal/httpapi/handlers"
	"collabnote/backend/internal/httpapi/middleware"
	"collabnote/backend/internal/store"
	"collabnote/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d redis=%v kafka=%v", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	documentStore := store.NewDocumentStore(db)

	instanceID := cfg.Running.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	regOpts := []collab.Option{
		collab.WithSemaphore(collab.NewSemaphoreControl(cfg.Session.FlushConcurrency)),
	}

	var presenceCache cache.PresenceCache
	var access ws.Access = documentStore
	docHandler := handlers.NewDocumentHandler(documentStore)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
		membership := cache.NewMembership(rdb, documentStore)
		access = membership
		docHandler.WithMembershipCache(membership)
		regOpts = append(regOpts,
			collab.WithPresence(presenceCache),
			collab.WithRelay(cache.NewRelay(rdb, instanceID)),
		)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		// SyncProducer requires Return.Successes
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphore),
			cfg.Kafka.Dispatcher,
		)
		defer dispatcher.Close()
		regOpts = append(regOpts, collab.WithEvents(dispatcher))
	}

	registry := collab.NewRegistry(documentStore, cfg.RegistryOptions(instanceID), regOpts...)
	manager := ws.NewManager(registry, access, cfg.Session.SendQueue)
	presenceHandler := handlers.NewPresenceHandler(presenceCache, registry, access)
	docHandler.WithContentWriter(registry)

	var verifier middleware.Verifier
	if cfg.Auth.Secret != "" {
		verifier = middleware.NewJWTVerifier(cfg.Auth.Secret)
	} else {
		verifier = middleware.NewRemoteVerifier(cfg.Auth.Path, nil)
	}
	auth := middleware.AuthMiddleware(verifier)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Cors.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": registry.Len()})
	})

	api := r.Group("/", auth)
	docHandler.Register(api)

	collabGroup := r.Group("/collab", auth)
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/presence", presenceHandler.List)
	collabGroup.GET("/documents", presenceHandler.ActiveDocuments)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	log.Printf("collab server listening on %s (instance=%s)", srv.Addr, instanceID)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	// sockets first so no edit lands after the final flush
	manager.Close()
	registry.Close()
}
