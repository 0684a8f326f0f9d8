package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// RouterOptions configure access control for the API.
type RouterOptions struct {
	// Token is the bearer token required on /api routes.
	Token string
	// AllowedIPs restricts every route, /healthz included. Empty or "*" allows all.
	AllowedIPs []string
}

// NewRouter assembles the gin engine: IP allow-list, request logging, /healthz and
// the token-guarded /api group.
func NewRouter(h *Handler, opts RouterOptions, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger = logger.With().Str("component", "http").Logger()

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), ipAllowList(opts.AllowedIPs))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", bearerToken(opts.Token))
	h.RegisterRoutes(api)
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client_ip", clientIP(c)).
			Dur("elapsed", time.Since(started)).
			Msg("request served")
	}
}

func bearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			fail(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		c.Next()
	}
}

func ipAllowList(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		ip = strings.TrimSpace(ip)
		if ip == "*" {
			set = nil
			break
		}
		if ip != "" {
			set[ip] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ip := clientIP(c)
		if _, ok := set[ip]; !ok {
			fail(c, http.StatusForbidden, fmt.Sprintf("Access denied from %s", ip))
			return
		}
		c.Next()
	}
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// Server runs the HTTP listener until its context ends.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wraps handler in an http.Server bound to addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info().Msg("api stopped")
	return nil
}
