package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/grpc"

	"velthoric/physsync/internal/config"
	httpapi "velthoric/physsync/internal/http"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/physics"
	"velthoric/physsync/internal/regionstore"
	"velthoric/physsync/internal/snapshot"
	"velthoric/physsync/internal/timesync"
	"velthoric/physsync/internal/transport"
	"velthoric/physsync/internal/world"
)

const (
	dimensionName   = "overworld"
	shutdownTimeout = 5 * time.Second
	// adminWindow and adminLimit bound how often region saves may be triggered over HTTP.
	adminWindow = time.Minute
	adminLimit  = 3
)

// server owns every long-lived component of the process.
type server struct {
	cfg      *config.Config
	log      *logging.Logger
	world    *world.World
	hub      *transport.Hub
	regions  *regionstore.Store
	timesync *grpc.Server
	handler  http.Handler
	started  time.Time

	mu         sync.Mutex
	startupErr error
}

func newServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*server, error) {
	s := &server{cfg: cfg, log: logger, started: time.Now()}

	if cfg.RegionStorePath != "" {
		regions, err := regionstore.Open(cfg.RegionStorePath, logger)
		if err != nil {
			return nil, err
		}
		s.regions = regions
	}

	authenticator, err := transport.AuthenticatorFor(cfg.AuthSecret)
	if err != nil {
		s.closeRegions()
		return nil, fmt.Errorf("websocket auth: %w", err)
	}
	s.hub = transport.NewHub(transport.Options{
		Dimension:       dimensionName,
		Codec:           cfg.Sync.Compression,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		MaxViewDistance: cfg.Sync.MaxViewDistance,
		Authenticator:   authenticator,
		Logger:          logger,
	})

	//1.- The world sends through the hub and the hub feeds the world, so bind after both exist.
	clock := snapshot.NewMonotonicClock()
	s.world, err = world.New(world.Options{
		Name:      dimensionName,
		Sync:      cfg.Sync,
		Engine:    physics.NewEngine(engineConfig(cfg.Terrain)),
		Regions:   s.regions,
		Transport: s.hub,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		s.closeRegions()
		return nil, err
	}
	s.hub.Bind(s.world)

	if cfg.TimeSyncAddress != "" {
		s.timesync = timesync.NewServer(timesync.NewService(clock, cfg.TimeSyncInterval, logger), cfg.TimeSyncSecret)
	}

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   s,
		Stats:       s.world.Stats,
		Regions:     s.regionSaver(),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(adminWindow, adminLimit, nil),
	})
	mux := http.NewServeMux()
	mux.Handle(observerPath, s.hub)
	handlers.Register(mux)
	s.handler = mux

	//2.- Restore persisted regions; a failure leaves the server up but not ready.
	if s.regions != nil {
		if err := s.restoreRegions(ctx); err != nil {
			logger.Error("region restore failed", logging.Error(err))
			s.setStartupError(err)
		}
	}
	return s, nil
}

func engineConfig(terrain config.TerrainConfig) physics.Config {
	obstacles := make([]physics.SphereField, 0, len(terrain.Obstacles))
	for _, o := range terrain.Obstacles {
		obstacles = append(obstacles, physics.SphereField{Center: mgl64.Vec3(o.Center), Radius: o.Radius})
	}
	cfg := physics.DefaultConfig()
	cfg.Field = physics.NewTerrain(terrain.GroundHeight, obstacles...)
	return cfg
}

func (s *server) regionSaver() httpapi.RegionSaver {
	if s.regions == nil {
		return nil
	}
	return s.world
}

func (s *server) restoreRegions(ctx context.Context) error {
	regions, err := s.regions.Regions(ctx)
	if err != nil {
		return err
	}
	var bodies int
	for _, region := range regions {
		n, err := s.world.LoadRegion(ctx, region)
		if err != nil {
			return fmt.Errorf("load region %d,%d: %w", region.X, region.Z, err)
		}
		bodies += n
	}
	s.log.Info("regions restored", logging.Int("regions", len(regions)), logging.Int("bodies", bodies))
	return nil
}

// Observers implements httpapi.ReadinessProvider.
func (s *server) Observers() int { return s.hub.Observers() }

// StartupError implements httpapi.ReadinessProvider.
func (s *server) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (s *server) Uptime() time.Duration { return time.Since(s.started) }

func (s *server) setStartupError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startupErr = err
}

// Handler exposes the HTTP surface: the websocket endpoint and the operational handlers.
func (s *server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled or a listener fails, then shuts everything down in order.
func (s *server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{Addr: s.cfg.Address, Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http listener: %w", err)
		}
	}()
	advertised := advertisedEndpoints(s.cfg.Address, s.cfg.TimeSyncAddress, false)
	s.log.Info("sync server listening",
		logging.String("url", advertised.HTTP),
		logging.String("observer_url", advertised.Observer),
	)

	if s.timesync != nil {
		listener, err := net.Listen("tcp", s.cfg.TimeSyncAddress)
		if err != nil {
			cancel()
			_ = httpServer.Close()
			s.shutdown()
			return fmt.Errorf("timesync listener: %w", err)
		}
		go func() {
			if err := s.timesync.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("timesync listener: %w", err)
			}
		}()
		s.log.Info("timesync listening", logging.String("address", advertised.TimeSync))
	}

	worldDone := make(chan error, 1)
	go func() { worldDone <- s.world.Run(ctx) }()

	var runErr error
	worldStopped := false
	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested")
	case runErr = <-errs:
		s.log.Error("listener failed", logging.Error(runErr))
	case runErr = <-worldDone:
		worldStopped = true
		s.log.Error("world stopped unexpectedly", logging.Error(runErr))
	}
	cancel()

	//1.- Stop accepting traffic and wait for both loops before persisting regions.
	shutdownCtx, release := context.WithTimeout(context.Background(), shutdownTimeout)
	defer release()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logging.Error(err))
	}
	if !worldStopped {
		if err := <-worldDone; runErr == nil {
			runErr = err
		}
	}
	s.shutdown()
	return runErr
}

// shutdown releases observers, persists regions and closes the store.
func (s *server) shutdown() {
	s.hub.Close()
	if s.timesync != nil {
		s.timesync.Stop()
	}
	if s.regions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		regions, bodies, err := s.world.SaveLoadedRegions(ctx)
		cancel()
		if err != nil {
			s.log.Error("final region save failed", logging.Error(err))
		} else {
			s.log.Info("regions saved", logging.Int("regions", regions), logging.Int("bodies", bodies))
		}
	}
	_ = s.world.Close()
	s.closeRegions()
}

func (s *server) closeRegions() {
	if s.regions == nil {
		return
	}
	if err := s.regions.Close(); err != nil {
		s.log.Warn("region store close failed", logging.Error(err))
	}
}
