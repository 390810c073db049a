package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botfleet/internal/metrics"
)

// Status is what a worker reports about itself over HTTP.
type Status struct {
	Name      string    `json:"name"`
	Process   string    `json:"process"`
	State     string    `json:"state"`
	IPCPort   int       `json:"ipc_port"`
	Bundle    string    `json:"bundle,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// StatusFunc returns the current worker status.
type StatusFunc func() Status

// Router is the HTTP surface of one worker. Client routes live under
// {basePath}/Apps/:key and require the client's API key.
//
//	GET {basePath}/healthz
//	GET {basePath}/metrics
//	GET {basePath}/Apps/:key/status
type Router struct {
	status   StatusFunc
	apiKey   string
	basePath string
	log      *slog.Logger
}

func NewRouter(apiKey, basePath string, status StatusFunc, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{status: status, apiKey: apiKey, basePath: mountPath(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group(r.basePath)
	root.GET("/healthz", r.handleHealth)
	root.GET("/metrics", gin.WrapH(metrics.Handler()))

	apps := root.Group("/Apps/:key", r.requireKey)
	apps.GET("/status", r.handleStatus)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, r.status())
}

// New builds an http.Server with the timeouts every botfleet listener uses.
func New(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv on ln until ctx is canceled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	return nil
}

// ListenAndServe binds srv.Addr and calls Serve.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, srv, ln)
}

// MetricsHandler serves only /metrics and /healthz, for processes without a client API.
func MetricsHandler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	return g
}
