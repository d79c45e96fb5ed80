package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/config"
	"collabSession/backend/internal/httpapi/handlers"
	"collabSession/backend/internal/httpapi/middleware"
	"collabSession/backend/internal/logger"
	"collabSession/backend/internal/store"
	"collabSession/backend/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{
		Service: "collab-relay",
		Level:   logger.ParseLevel(cfg.Logging.Level),
		Env:     envOf(cfg.Logging.Env),
		Backend: logger.Backend(cfg.Logging.Backend),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Redis：种子、增量日志、在线状态 ===
	var (
		documents collab.DocumentStore
		presence  cache.PresenceCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		// 一个地址时是单机客户端，多个地址时是集群客户端
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error("ping redis failed", "addrs", cfg.Redis.Addrs, "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		documents = cache.NewRedisDocuments(rdb, cfg.Session.DocumentTTL)
		presence = cache.NewRedisPresence(rdb)
	} else {
		log.Warn("redis not configured, using in-process document and presence stores")
		documents = cache.NewMemoryDocuments()
		presence = cache.NewMemoryPresence()
	}

	opts := []collab.ServiceOption{}

	// === MySQL：快照（database/sql）+ 会话归档（gorm） ===
	var history handlers.HistoryStore
	if cfg.Mysql.DSN != "" {
		gdb, sqlDB, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Error("open mysql failed", "err", err)
			os.Exit(1)
		}
		defer sqlDB.Close()

		snapshots := store.NewSnapshotStore(sqlDB)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			log.Error("create snapshot table failed", "err", err)
			os.Exit(1)
		}
		records := store.NewSessionRecordStore(gdb)
		if err := records.AutoMigrate(); err != nil {
			log.Error("migrate session records failed", "err", err)
			os.Exit(1)
		}
		opts = append(opts, collab.WithSnapshots(snapshots), collab.WithRecords(records))
		history = records
	} else {
		log.Warn("mysql not configured, rooms will not be archived")
	}

	// === Kafka：房间事件 ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Error("connect kafka failed", "brokers", cfg.Kafka.Brokers, "err", err)
			os.Exit(1)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultSemaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		opts = append(opts, collab.WithEvents(dispatcher))
	}

	svc := collab.NewInMemoryService(documents, opts...)
	hub := ws.NewHub(presence, svc, collab.NewSemaphoreControl(collab.DefaultSemaphore), ws.Options{
		PingInterval: cfg.Session.PingInterval,
		PresenceTTL:  cfg.Session.PresenceTTL,
		CursorTTL:    cfg.Session.CursorTTL,
	})
	manager := ws.NewManager(hub, cfg.Cors.Origins...)
	rooms := handlers.NewRooms(svc, presence)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Cors.Enabled {
		origins := cfg.Cors.Origins
		r.Use(cors.New(cors.Config{
			// 未配置 origins 时放行所有来源
			AllowOriginFunc: func(origin string) bool {
				return len(origins) == 0 || slices.Contains(origins, origin)
			},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	g := r.Group("/collab")
	g.GET("/healthz", handlers.Healthz)
	// 会从 Authorization 或 ?token= 提取 token 校验，并写入 userId/username
	authed := g.Group("", middleware.AuthMiddleware(middleware.AuthOptions{
		Secret:    cfg.Auth.Secret,
		VerifyURL: cfg.Auth.Path,
	}))
	authed.GET("/rooms/:roomId/ws", manager.WebSocketConnect)
	rooms.Register(authed)
	if history != nil {
		authed.GET("/history", handlers.ListHistory(history))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		log.Error("relay stopped with error", "err", err)
	}
}

func envOf(raw string) logger.Env {
	if raw == "" {
		return logger.DetectEnv()
	}
	return logger.ParseEnv(raw)
}
