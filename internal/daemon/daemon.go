package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/config"
	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/mqtt"
	"github.com/lockerfleet/lockerfleet/internal/secrets"
)

const shutdownTimeout = 5 * time.Second

// Service wires the store, the MQTT transport, the engine, the expiration
// scheduler, and the HTTP listeners.
type Service struct {
	cfg             config.Config
	logger          *zap.Logger
	store           *db.Store
	broker          *mqtt.Client
	hub             *Hub
	engine          *Engine
	scheduler       *Scheduler
	apiListener     net.Listener
	metricsListener net.Listener
	apiServer       *http.Server
	metricsServer   *http.Server
}

// Run opens the store, connects the broker, and serves until ctx is
// canceled.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners and a connected
// broker.
func NewService(ctx context.Context, cfg config.Config, store *db.Store, logger *zap.Logger) (*Service, error) {
	username, password, err := brokerCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}
	broker, err := mqtt.Connect(ctx, mqtt.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  username,
		Password:  password,
		Logger:    logger.Named("mqtt"),
	})
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	hub := NewHub(store, logger.Named("ws"))
	notifier := multiNotifier{broker, hub}
	engine := NewEngine(store, broker, notifier, cfg, logger.Named("engine"), metrics)
	scheduler := NewScheduler(store, engine, logger.Named("scheduler"), metrics)
	engine.WithScheduler(scheduler)

	if err := broker.SubscribeReports(engine); err != nil {
		broker.Close()
		return nil, err
	}

	apiListener, err := net.Listen("tcp", cfg.APIListen)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("listen api %s: %w", cfg.APIListen, err)
	}
	service := &Service{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		broker:      broker,
		hub:         hub,
		engine:      engine,
		scheduler:   scheduler,
		apiListener: apiListener,
		apiServer: &http.Server{
			Handler:           NewAPI(store, engine, hub, cfg.LockerTypes, logger.Named("api")).Router(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}

	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiListener.Close()
			broker.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// brokerCredentials loads broker credentials from the configured bundle, or
// returns empty credentials for an unauthenticated broker.
func brokerCredentials(cfg config.Config, logger *zap.Logger) (string, string, error) {
	if cfg.MQTTCredentialsPath == "" {
		return "", "", nil
	}
	warn, err := config.CheckSecretFilePermissions(cfg.MQTTAgeKeyPath)
	if err != nil {
		return "", "", err
	}
	if warn != "" {
		logger.Warn(warn)
	}
	creds, err := secrets.Store{AgeKeyPath: cfg.MQTTAgeKeyPath}.Load(cfg.MQTTCredentialsPath)
	if err != nil {
		return "", "", err
	}
	return creds.Username, creds.Password, nil
}

// Serve blocks until shutdown or a listener error occurs. Deadlines left
// over from a previous run fire as soon as the scheduler starts.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("listening",
		zap.String("api", s.cfg.APIListen),
		zap.String("metrics", s.cfg.MetricsListen),
		zap.String("broker", s.cfg.MQTTBrokerURL),
	)
	s.scheduler.Start(ctx)

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.apiServer.Serve(s.apiListener) }()
	if s.metricsServer != nil {
		servers = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.apiServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	s.scheduler.Stop()
	s.hub.Close()
	s.broker.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
}
