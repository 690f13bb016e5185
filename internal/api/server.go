package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"Relay-Faucet/internal/auth"
	"Relay-Faucet/internal/events"
	"Relay-Faucet/internal/observability/metrics"
	"Relay-Faucet/internal/operation"
	"Relay-Faucet/internal/relay"
	"Relay-Faucet/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// Relayer 是 API 层依赖的业务接口，*relay.Service 实现了该接口。
type Relayer interface {
	Fund(ctx context.Context, to, amount string) (*relay.FundResult, error)
	Mine(ctx context.Context, user string) (*relay.MineResult, error)
	Claim(ctx context.Context, user string) (*relay.ClaimResult, error)
	Claimable(ctx context.Context, user string) (*relay.ClaimableResult, error)
	Status(ctx context.Context) (*relay.StatusResult, error)
	Stress(ctx context.Context, n int) (*relay.StressResult, error)
	Operations(ctx context.Context, opts ...operation.ListOption) ([]*operation.Record, error)
	Operation(ctx context.Context, id string) (*operation.Record, error)
	RecentEvents(limit int) []events.Event
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	relayer Relayer
	limiter *RateLimiter
	auth    *auth.Service
	metrics bool
	logger  *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithRateLimit 为每个客户端启用令牌桶限流。
func WithRateLimit(requestsPerMinute float64, burst int) Option {
	return func(s *Server) {
		if requestsPerMinute > 0 {
			s.limiter = NewRateLimiter(requestsPerMinute, burst)
		}
	}
}

// WithAuth 为管理类接口启用 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetricsEndpoint 控制是否在 /metrics 暴露 Prometheus 指标。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, relayer Relayer, opts ...Option) *Server {
	s := &Server{addr: addr, relayer: relayer, metrics: true, logger: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/fund", s.handleFund)
		r.Post("/mine", s.handleMine)
		r.Post("/claim", s.handleClaim)
		r.Post("/claimable", s.handleClaimable)
		r.Get("/status", s.handleStatus)

		// 认证未启用时 Middleware 直接放行。
		r.With(s.auth.Middleware(auth.PermissionStress)).Post("/stress", s.handleStress)
		r.With(s.auth.Middleware(auth.PermissionOperations)).Get("/operations", s.handleListOperations)
		r.With(s.auth.Middleware(auth.PermissionOperations)).Get("/operations/{id}", s.handleGetOperation)
		r.With(s.auth.Middleware(auth.PermissionEvents)).Get("/events", s.handleEvents)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
