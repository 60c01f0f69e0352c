package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/INLOpen/nexusdoc/auth"
	"github.com/INLOpen/nexusdoc/config"
	"golang.org/x/sync/errgroup"
)

// AppServer runs every network-facing server of the process.
type AppServer struct {
	apiLis        net.Listener
	debugLis      net.Listener
	apiServer     *HTTPServer
	metricsServer *MetricsServer
	system        *SystemCollector
	cfg           *config.Config
	logger        *slog.Logger
	store         DocumentStore

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewAppServer creates the configured servers and binds their listeners, so
// address errors surface before Start.
func NewAppServer(store DocumentStore, cfg *config.Config, logger *slog.Logger) (*AppServer, error) {
	appSrv := &AppServer{
		cfg:    cfg,
		logger: logger.With("component", "AppServer"),
		store:  store,
	}

	if cfg.Admin.Enabled {
		var authenticator auth.Authenticator = auth.NonAuthenticator{}
		if cfg.Admin.AuthEnabled {
			a, err := auth.NewAuthenticator(cfg.Admin.UserFilePath, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
			}
			authenticator = a
		}
		lis, err := net.Listen("tcp", cfg.Admin.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on API address %s: %w", cfg.Admin.ListenAddress, err)
		}
		appSrv.apiLis = lis
		appSrv.apiServer = NewHTTPServer(&cfg.Admin, store, authenticator, logger)
	} else {
		logger.Info("HTTP API server is disabled.")
	}

	if cfg.Debug.Enabled {
		lis, err := net.Listen("tcp", cfg.Debug.ListenAddress)
		if err != nil {
			appSrv.closeListeners()
			return nil, fmt.Errorf("failed to listen on debug address %s: %w", cfg.Debug.ListenAddress, err)
		}
		appSrv.debugLis = lis
		appSrv.metricsServer = NewMetricsServer(&cfg.Debug, logger)
		if cfg.Debug.MetricsEnabled {
			interval := config.ParseDuration(cfg.Debug.SystemMetricsInterval, 0, logger)
			appSrv.system = NewSystemCollector(cfg.Engine.DataDir, interval, logger)
		}
	}
	return appSrv, nil
}

func (s *AppServer) closeListeners() {
	for _, lis := range []net.Listener{s.apiLis, s.debugLis} {
		if lis != nil {
			lis.Close()
		}
	}
}

// APIAddr is the bound address of the API server, or nil when it is disabled.
func (s *AppServer) APIAddr() net.Addr {
	if s.apiLis == nil {
		return nil
	}
	return s.apiLis.Addr()
}

// Start runs all configured servers. It blocks until Stop is called or a
// server fails.
func (s *AppServer) Start() error {
	if s.apiServer == nil && s.metricsServer == nil {
		s.logger.Warn("No servers to start.")
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	appCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		s.closeListeners()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	if s.system != nil {
		s.system.Start()
		defer s.system.Stop()
	}

	if s.apiServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.apiServer.Stop()
			}()
			return s.apiServer.Start(s.apiLis)
		})
	}
	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start(s.debugLis)
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}
