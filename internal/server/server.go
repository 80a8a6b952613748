package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"NFTLend/internal/observability"
)

type Config struct {
	GRPCAddr string
	HTTPAddr string
	// SubmitRate is the sustained submit rate per surface; 0 disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// Server hosts the gRPC service and the HTTP surface: the REST gateway,
// the event stream, health and metrics.
type Server struct {
	cfg        Config
	grpcServer *grpc.Server
	grpcHealth *health.Server
	httpServer *http.Server
	handler    http.Handler
	hub        *Hub
	log        zerolog.Logger
}

// New registers every service. gatherer backs /metrics and may be nil.
func New(cfg Config, svc *Service, hub *Hub, checker *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics, logger zerolog.Logger) (*Server, error) {
	var grpcLimiter, httpLimiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := max(cfg.SubmitBurst, 1)
		grpcLimiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
		httpLimiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor(logger)}
	if grpcLimiter != nil {
		interceptors = append(interceptors, RateLimitInterceptor(grpcLimiter, metrics))
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(gs)

	gateway, err := NewGateway(svc, httpLimiter, metrics)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	if checker != nil {
		mux.HandleFunc("/healthz", checker.LivenessHandler)
		mux.HandleFunc("/readyz", checker.ReadinessHandler)
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if hub != nil {
		mux.Handle("/v1/stream", hub)
	}
	mux.Handle("/", gateway)

	return &Server{
		cfg:        cfg,
		grpcServer: gs,
		grpcHealth: hs,
		handler:    mux,
		hub:        hub,
		log:        logger,
	}, nil
}

// Handler is the full HTTP surface.
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips the gRPC health status of the protocol service.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.grpcHealth.SetServingStatus("", st)
	s.grpcHealth.SetServingStatus(ServiceName, st)
}

// StartGRPC serves until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcHealth.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		if s.hub != nil {
			s.hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
