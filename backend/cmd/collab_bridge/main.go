package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"collabClient/backend/config"
	"collabClient/backend/internal/auth"
	"collabClient/backend/internal/cache"
	"collabClient/backend/internal/collab"
	"collabClient/backend/internal/cursor"
	"collabClient/backend/internal/httpapi"
	"collabClient/backend/internal/httpapi/handlers"
	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/relay"
	"collabClient/backend/internal/report"
	"collabClient/backend/internal/session"
	"collabClient/backend/internal/store"
	"collabClient/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

// drafts 既要落库也要能列出来
type drafts interface {
	collab.DraftSaver
	handlers.DraftLister
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("collab-bridge %s (%s) port=%d upstream=%s", buildVersion, buildCommit, cfg.Running.Port, cfg.Upstream.Mode)
	logger := log.Default()

	// === redis：协作者光标共享存储，也可以作为上游中转 ===
	var rdb redis.UniversalClient
	var cursorStore cursor.Store = cursor.NewMemoryStore(nil)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("ping redis failed: %v", err)
		}
		defer rdb.Close()
		cursorStore = cache.NewCollaboratorCache(rdb)
	}

	// === mysql：草稿 ===
	var draftStore drafts = store.NewMemoryDraftStore()
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("open mysql failed: %v", err)
		}
		ds := store.NewDraftStore(db)
		if err := ds.Migrate(); err != nil {
			log.Fatalf("migrate drafts failed: %v", err)
		}
		draftStore = ds
	}

	// === kafka：同步事件上报 ===
	var reporter report.Reporter = report.LogReporter{Logger: logger}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher := report.NewKafkaDispatcher(producer, cfg.Kafka.Topic, report.NewSemaphoreControl(0), report.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
		// 先于 producer.Close 执行，把队列里的事件发完
		defer dispatcher.Close()
		reporter = dispatcher
	}

	// === 鉴权 ===
	var verifier auth.Verifier = auth.NewLocalVerifier(cfg.Auth.Secret)
	if cfg.Auth.Path != "" {
		verifier = auth.NewRemoteVerifier(cfg.Auth.Path, nil)
	}

	// === 上游通道 ===
	var dial session.Dialer
	switch cfg.Upstream.Mode {
	case config.UpstreamRedis:
		r := relay.NewRedis(rdb, logger)
		defer r.Close()
		dial = func(context.Context, uint64, string) (session.Transport, error) { return r, nil }
	default:
		pool := ws.NewPool(ws.ClientConfig{
			URL:             cfg.Upstream.URL,
			SendQueue:       cfg.Upstream.SendQueue,
			WriteTimeout:    cfg.Upstream.WriteTimeout,
			PingInterval:    cfg.Upstream.PingInterval,
			ReconnectBase:   cfg.Upstream.ReconnectBase,
			ReconnectMax:    cfg.Upstream.ReconnectMax,
			ReconnectGiveUp: cfg.Upstream.ReconnectGiveUp,
		}, logger)
		defer pool.Close()
		dial = func(ctx context.Context, userID uint64, token string) (session.Transport, error) {
			c, err := pool.Get(ctx, userID, token)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	hub := ws.NewHub()
	registry := session.NewRegistry(session.Config{
		Collab: collab.Config{
			AckTimeout:           cfg.Collab.AckTimeout,
			RetransmitBackoff:    cfg.Collab.RetransmitBackoff,
			MaxRetransmitBackoff: cfg.Collab.MaxRetransmitBackoff,
			MaxRetransmits:       cfg.Collab.MaxRetransmits,
			UndoDepth:            cfg.Collab.UndoDepth,
			RebaseDepth:          cfg.Collab.RebaseDepth,
			Buffer:               cfg.Collab.Buffer,
		},
		Cursor: cursor.Config{
			BroadcastInterval: cfg.Cursor.BroadcastInterval,
			InactivityTimeout: cfg.Cursor.InactivityTimeout,
			StoreTTL:          cfg.Cursor.StoreTTL,
		},
		Presence: presence.Config{
			TypingQuiet:       cfg.Presence.TypingQuiet,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		},
	}, session.Deps{
		Reporter: reporter,
		Drafts:   draftStore,
		Store:    cursorStore,
		Measurer: cursor.Monospace{
			LineHeight:  cfg.Cursor.LineHeight,
			CharWidth:   cfg.Cursor.CharWidth,
			PaddingTop:  cfg.Cursor.PaddingTop,
			PaddingLeft: cfg.Cursor.PaddingLeft,
		},
		Publisher: hub,
		Logger:    logger,
	}, dial, hub.CloseSurface)

	h := handlers.NewSurfaceHandler(registry, hub, draftStore)
	router := httpapi.NewRouter(h, verifier, httpapi.RouterOptions{
		EnableCORS: cfg.Running.EnableCORS,
		AccessLog:  cfg.Running.AccessLog,
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	<-exit
	log.Printf("shutting down, %d surfaces mounted", registry.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// 卸载会保存未确认的草稿并宣告离开，必须在关闭上游之前
	registry.CloseAll()
}
