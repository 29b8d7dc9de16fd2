package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"topicmaster/broker/internal/auth"
	"topicmaster/broker/internal/config"
	grpcapi "topicmaster/broker/internal/grpc"
	httpapi "topicmaster/broker/internal/http"
	"topicmaster/broker/internal/journal"
	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/metrics"
	"topicmaster/broker/internal/monitor"
	"topicmaster/broker/internal/tick"
)

const (
	shutdownTimeout       = 5 * time.Second
	snapshotRequestWindow = time.Minute
	snapshotRequestLimit  = 6
)

// server owns every listener of the process: the discovery master, the ops
// HTTP surface and the introspection gRPC service.
type server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Collector
	journal *journal.Writer
	master  *master.Master
	hub     *monitor.Hub
	feed    *grpcapi.Feed

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
}

// newServer wires the components and binds every configured listener.
func newServer(cfg *config.Config, logger *logging.Logger) (s *server, err error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	s = &server{cfg: cfg, log: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	//1.- Open the journal first so the master records from the first packet.
	if cfg.JournalDir != "" {
		writer, manifest, jerr := journal.NewWriter(cfg.JournalDir, "", nil)
		if jerr != nil {
			return nil, fmt.Errorf("open journal: %w", jerr)
		}
		s.journal = writer
		logger.Info("journal enabled", logging.String("directory", writer.Directory()), logging.String("session", manifest.Session))
	}

	//2.- Events only flow after InitAddr, by which point the hub is assigned.
	s.feed = grpcapi.NewFeed(logger.With(logging.String("component", "grpc_feed")), grpcapi.DefaultWatchBuffer)
	opts := []master.Option{
		master.WithLogger(logger.With(logging.String("component", "master"))),
		master.WithTickInterval(cfg.TickInterval),
		master.WithMaxFrameBytes(cfg.MaxFrameBytes),
		master.WithOutboundBuffer(cfg.OutboundBuffer),
		master.WithMetrics(s.metrics),
		master.WithEventSink(s.feed.Publish),
		master.WithEventSink(func(event master.Event) { s.hub.Publish(event) }),
	}
	if s.journal != nil {
		opts = append(opts, master.WithJournal(s.journal))
	}
	authn, err := auth.NewRequestAuthenticator(cfg.MonitorSecret)
	if err != nil {
		return nil, fmt.Errorf("monitor auth: %w", err)
	}
	s.master = master.New(opts...)
	s.hub = monitor.NewHub(s.master.Registry(),
		monitor.WithLogger(logger.With(logging.String("component", "monitor"))),
		monitor.WithAuthenticator(authn),
		monitor.WithAllowedOrigins(cfg.AllowedOrigins),
		monitor.WithPingInterval(cfg.PingInterval),
	)

	//3.- Bind the discovery port; failure here is the only fatal master error.
	if err := s.master.InitAddr(cfg.Address); err != nil {
		return nil, err
	}

	if cfg.HTTPAddress != "" {
		if err := s.bindHTTP(); err != nil {
			return nil, err
		}
	}
	if cfg.GRPCAddress != "" {
		if err := s.bindGRPC(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *server) bindHTTP() error {
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      s.log.With(logging.String("component", "http")),
		Status:      s.master,
		Topics:      s.master.Registry(),
		Metrics:     s.metrics.Handler(),
		AdminToken:  s.cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(snapshotRequestWindow, snapshotRequestLimit, nil),
		Snapshot:    s.snapshotTrigger(),
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/monitor", s.hub)

	ln, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddress, err)
	}
	s.httpListener = ln
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

func (s *server) bindGRPC() error {
	opts, err := grpcapi.ServerOptions(s.cfg, s.log)
	if err != nil {
		return fmt.Errorf("grpc security: %w", err)
	}
	ln, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddress, err)
	}
	s.grpcListener = ln
	s.grpcServer = grpc.NewServer(opts...)
	grpcapi.Register(s.grpcServer, grpcapi.NewService(s.master.Registry(), s.feed,
		grpcapi.WithLogger(s.log.With(logging.String("component", "grpc")))))
	return nil
}

// snapshotTrigger is nil when the journal is disabled so the handler reports 503.
func (s *server) snapshotTrigger() httpapi.SnapshotTrigger {
	if s.journal == nil {
		return nil
	}
	return httpapi.SnapshotTriggerFunc(func(ctx context.Context) (uint64, error) {
		logging.FromContextOr(ctx, s.log).Debug("writing journal snapshot", logging.String("dir", s.journal.Directory()))
		return s.journal.SnapshotRegistry(s.master.Registry())
	})
}

// run serves until ctx ends or a component fails, then shuts everything down.
func (s *server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.master.Run(gctx)
		return nil
	})
	if s.journal != nil && s.cfg.JournalSnapshotInterval > 0 {
		snapshots := tick.NewLoop(s.cfg.JournalSnapshotInterval, func() {
			if _, err := s.journal.SnapshotRegistry(s.master.Registry()); err != nil && !errors.Is(err, journal.ErrClosed) {
				s.log.Warn("journal snapshot failed", logging.Error(err))
			}
		}, nil)
		g.Go(func() error {
			snapshots.Run(gctx)
			return nil
		})
	}
	if s.httpServer != nil {
		g.Go(func() error {
			if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if s.grpcServer != nil {
		g.Go(func() error {
			if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	s.log.Info("topic master running", s.addressFields()...)
	err := g.Wait()
	s.close()
	return err
}

// shutdown unblocks every Serve call. Streams end first so graceful stops return.
func (s *server) shutdown() {
	s.master.Stop()
	s.feed.Close()
	s.hub.Close()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown incomplete", logging.Error(err))
		}
	}
}

// close releases whatever newServer or run acquired. It is safe to call twice.
func (s *server) close() {
	if s.master != nil {
		s.master.Fini()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.feed != nil {
		s.feed.Close()
	}
	if s.httpServer == nil && s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.grpcServer == nil && s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.log.Warn("close journal failed", logging.Error(err))
		}
	}
}

func (s *server) addressFields() []logging.Field {
	fields := []logging.Field{logging.String("discovery", s.master.Addr().String())}
	if s.httpListener != nil {
		url := listenerURL(s.httpListener.Addr().String(), false)
		fields = append(fields, logging.String("http", url), logging.String("monitor", "ws"+url[len("http"):]+"/monitor"))
	}
	if s.grpcListener != nil {
		fields = append(fields, logging.String("grpc", normaliseHostPort(s.grpcListener.Addr().String())))
	}
	return fields
}
