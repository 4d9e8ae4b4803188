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

	"github.com/ClareAI/astra-dispatch-service/internal/bridge"
	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/internal/handler"
	"github.com/ClareAI/astra-dispatch-service/internal/queue"
	"github.com/ClareAI/astra-dispatch-service/internal/repository"
	"github.com/ClareAI/astra-dispatch-service/internal/scheduler"
	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/internal/storage"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/ClareAI/astra-dispatch-service/pkg/pubsub"
	"github.com/ClareAI/astra-dispatch-service/pkg/redis"
	"github.com/ClareAI/astra-dispatch-service/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

// Server represents the call dispatch service
type Server struct {
	config *config.ServiceConfig
	router *mux.Router

	store     *queue.Store
	registry  *session.Registry
	ingress   *session.Ingress
	scheduler *scheduler.Manager
	bridge    *bridge.Manager

	repoManager *repository.GormRepositoryManager
	redisSvc    *redis.RedisService
	pubsubSvc   *pubsub.PubSubService
	transcripts *storage.TranscriptArchive

	// ctx lives until Shutdown; background loops and media streams run under it
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds every component and registers the routes
func NewServer(cfg *config.ServiceConfig) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.init(); err != nil {
		cancel()
		s.closeClients()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	cfg := s.config

	// Optional outer integrations. Each one is skipped when disabled.
	if cfg.DatabaseEnabled {
		repoManager, err := repository.NewRepositoryManager()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.repoManager = repoManager
		logger.Base().Info("call archive enabled")
	}

	if cfg.PubSubEnabled {
		pubsubSvc, err := pubsub.NewPubSubService(s.ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopicID,
			PubID:     cfg.Env,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub: %w", err)
		}
		s.pubsubSvc = pubsubSvc
		logger.Base().Info("call outcome events enabled", zap.String("topic", cfg.PubSubTopicID))
	}

	if cfg.TranscriptStoragePath != "" {
		backend, err := storage.NewBackend(s.ctx, storage.StorageType(cfg.TranscriptStorageType), cfg.TranscriptStoragePath)
		if err != nil {
			logger.Base().Warn("failed to initialize transcript storage, continue without transcripts",
				zap.Error(err),
				zap.String("type", cfg.TranscriptStorageType),
				zap.String("path", cfg.TranscriptStoragePath))
		} else {
			s.transcripts = storage.NewTranscriptArchive(backend, cfg.TranscriptPrefix)
		}
	}

	var monitor *session.Monitor
	if cfg.RedisEnabled {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize redis service, running without session monitor", zap.Error(err))
		} else {
			s.redisSvc = redisSvc
			monitor = session.NewMonitor(redisSvc, cfg.InstanceID, cfg.SessionTTL)
			logger.Base().Info("session monitor initialized", zap.String("pod_id", cfg.InstanceID))
		}
	}

	// Queue Store
	storeOpts := []queue.Option{}
	if s.repoManager != nil {
		storeOpts = append(storeOpts, queue.WithArchiver(s.repoManager.QueueItemRecord()))
	}
	if s.pubsubSvc != nil {
		storeOpts = append(storeOpts, queue.WithStatusObserver(s.publishQueueUpdate))
	}
	s.store = queue.NewStore(storeOpts...)

	// Call Session Registry
	registryOpts := []session.Option{session.WithGracePeriod(cfg.SessionGracePeriod)}
	if s.repoManager != nil {
		registryOpts = append(registryOpts, session.WithRecorder(s.repoManager.CallRecord()))
	}
	if s.pubsubSvc != nil {
		registryOpts = append(registryOpts, session.WithRecorder(s.pubsubSvc))
	}
	if s.transcripts != nil {
		registryOpts = append(registryOpts, session.WithRecorder(s.transcripts))
	}
	if monitor != nil {
		registryOpts = append(registryOpts, session.WithTracker(monitor))
	}
	s.registry = session.NewRegistry(registryOpts...)

	// Queue Scheduler
	callService, err := twilio.NewCallService(twilio.CallServiceConfig{
		AccountSID:    cfg.TwilioAccountSID,
		AuthToken:     cfg.TwilioAuthToken,
		FromNumber:    cfg.TwilioFromNumber,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize call service: %w", err)
	}
	s.scheduler = scheduler.NewManager(s.store, s.registry, callService,
		scheduler.WithDefaultSettings(cfg.Scheduler))

	// Event Ingress
	s.ingress = session.NewIngress(s.registry, cfg.IngressBufferSize,
		session.WithFailureHandler(s.scheduler.HandleCallFailure))
	go s.ingress.Run(s.ctx)

	if monitor != nil {
		err := monitor.SubscribeToCleanup(s.ctx, func(callID string) {
			if _, err := s.registry.Get(callID); err != nil {
				return
			}
			ev := session.Event{CallID: callID, Status: domain.CallStatusCanceled, Source: session.SourceCluster}
			if err := s.ingress.Submit(s.ctx, ev); err != nil {
				logger.Base().Warn("failed to apply cleanup broadcast", zap.String("call_id", callID), zap.Error(err))
			}
		})
		if err != nil {
			logger.Base().Warn("cleanup broadcasts unavailable", zap.Error(err))
		}
	}

	// Audio Bridge
	engine := bridge.NewRealtimeEngine(bridge.RealtimeConfig{
		URL:          cfg.EngineURL,
		APIKey:       cfg.EngineAPIKey,
		Model:        cfg.EngineModel,
		Voice:        cfg.EngineVoice,
		WriteTimeout: cfg.Bridge.WriteTimeout,
	})
	if cfg.Bridge.DefaultVoice == "" {
		cfg.Bridge.DefaultVoice = cfg.EngineVoice
	}
	s.bridge = bridge.NewManager(s.registry, engine, cfg.Bridge)

	var validator handler.RequestValidator
	if cfg.TwilioValidateSignatures {
		validator = twilio.NewSignatureValidator(cfg.TwilioAuthToken, cfg.PublicBaseURL)
	}

	handler.NewHandlerManager(s.ctx, cfg, handler.Components{
		Store:     s.store,
		Scheduler: s.scheduler,
		Registry:  s.registry,
		Ingress:   s.ingress,
		Bridge:    s.bridge,
		Monitor:   monitor,
		Validator: validator,
	}).SetupAllRoutes(s.router)

	if cfg.AutoStartGlobal {
		if err := s.scheduler.StartScope(scheduler.GlobalScope, cfg.Scheduler); err != nil {
			return fmt.Errorf("failed to start global scheduler: %w", err)
		}
	}

	go s.purgeLoop()
	return nil
}

// publishQueueUpdate runs under the store lock, so the publish is detached
func (s *Server) publishQueueUpdate(item domain.QueueItem) {
	ev := pubsub.QueueUpdateEvent{
		ItemID:     item.ID,
		CampaignID: item.CampaignID,
		Status:     string(item.Status),
		Attempts:   item.Attempts,
		CallID:     item.CallID,
		Error:      item.LastError,
		At:         item.UpdatedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if err := s.pubsubSvc.PublishQueueUpdate(ctx, ev); err != nil {
			logger.Base().Warn("failed to publish queue update", zap.String("item_id", ev.ItemID), zap.Error(err))
		}
	}()
}

// purgeLoop archives and drops terminal queue items past their retention
func (s *Server) purgeLoop() {
	if s.config.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.Purge(s.ctx, s.config.PurgeRetention); err != nil {
				logger.Base().Error("queue purge failed", zap.Error(err))
			}
		}
	}
}

// Start serves HTTP until ctx is done, then shuts everything down
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// stop accepting new work before draining the live streams
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("http server shutdown", zap.Error(err))
	}
	s.Shutdown(shutdownCtx)
	return nil
}

// Shutdown stops the schedulers, drains the audio bridge and releases clients
func (s *Server) Shutdown(ctx context.Context) {
	s.scheduler.StopAll()
	if err := s.bridge.Shutdown(ctx); err != nil {
		logger.Base().Warn("audio bridge did not drain in time", zap.Error(err))
	}
	s.ingress.Close()
	s.cancel()
	s.closeClients()
	logger.Base().Info("server stopped")
}

func (s *Server) closeClients() {
	if s.pubsubSvc != nil {
		if err := s.pubsubSvc.Close(); err != nil {
			logger.Base().Warn("failed to close pubsub client", zap.Error(err))
		}
	}
	if s.transcripts != nil {
		_ = s.transcripts.Close()
	}
	if s.redisSvc != nil {
		_ = s.redisSvc.Close()
	}
	if s.repoManager != nil {
		_ = s.repoManager.Close()
	}
}

func main() {
	// 0. Load .env file for local development if it exists
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	// 1. Load configuration from environment
	cfg := config.LoadServiceConfig()
	if _, err := logger.Init(cfg.Env); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	// 2. Create the server
	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	// 3. Serve until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx); err != nil {
		logger.Base().Fatal("Server failed", zap.Error(err))
	}
}
