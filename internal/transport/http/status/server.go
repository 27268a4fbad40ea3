// Package statushttp exposes a read-only HTTP view of the running engine.
// Every endpoint serves a snapshot copy; nothing here can mutate trading
// state.
package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marlin/internal/engine"
	"marlin/internal/logger"
)

type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr   string
	Engine *engine.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("status server requires an engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		st := cfg.Engine.Status()
		code := http.StatusOK
		if st.Health == engine.HealthCritical {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": st.Health})
	})

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Engine.Status())
	})
	api.GET("/positions", func(c *gin.Context) {
		st := cfg.Engine.Status()
		c.JSON(http.StatusOK, gin.H{"open": st.Open, "recent": st.Recent})
	})
	api.GET("/signals", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Engine.Status().Signals)
	})
	api.GET("/params", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Engine.Status().Params)
	})
	api.GET("/trades", func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		st := cfg.Engine.Status()
		recent := st.Recent
		if len(recent) > limit {
			recent = recent[:limit]
		}
		c.JSON(http.StatusOK, recent)
	})

	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
