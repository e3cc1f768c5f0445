package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/history"
	"github.com/elonfeng/listingwatch/pkg/lifecycle"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/gin-gonic/gin"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// Server provides the HTTP API.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	log       *slog.Logger
	port      int
	router    *gin.Engine
}

// New creates a new HTTP server.
func New(s store.Store, lc *lifecycle.Manager, port int, log *slog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:     s,
		lifecycle: lc,
		log:       log,
		port:      port,
	}
	srv.router = srv.routes()
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/alerts", s.handleAlerts)
		v1.GET("/alerts/:listing/:date", s.handleAlert)
		v1.POST("/alerts/:listing/:date/resolve", s.handleResolve)
		v1.GET("/listings/:listing/metrics", s.handleMetrics)
		v1.GET("/history", s.handleHistory)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	hs := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listingwatch server listening", "addr", hs.Addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAlerts(c *gin.Context) {
	minLevel := rules.Low
	if v := c.Query("min_severity"); v != "" {
		l, err := rules.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minLevel = l
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAlertLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxAlertLimit)

	alerts, err := s.store.ListAlerts(c.Request.Context(), store.AlertListOpts{
		OpenOnly:  c.DefaultQuery("include_resolved", "false") != "true",
		MinLevel:  minLevel,
		ListingID: strings.TrimSpace(c.Query("listing")),
		Limit:     limit,
	})
	if err != nil {
		s.serverError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  alerts,
		"count": len(alerts),
	})
}

func (s *Server) handleAlert(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}
	a, err := s.store.GetAlert(c.Request.Context(), c.Param("listing"), date)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(c *gin.Context) {
	date, ok := dateParam(c)
	if !ok {
		return
	}
	var req resolveRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	listing := c.Param("listing")
	err := s.lifecycle.Resolve(c.Request.Context(), listing, date, strings.TrimSpace(req.Note))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open alert for listing and date"})
		return
	}
	if err != nil {
		s.serverError(c, err)
		return
	}

	a, err := s.store.GetAlert(c.Request.Context(), listing, date)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": a})
}

func (s *Server) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	listing := c.Param("listing")

	var week time.Time
	if v := c.Query("week"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "week must be YYYY-MM-DD"})
			return
		}
		week = t
	} else {
		latest, err := s.store.LatestWeek(ctx)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no performance data"})
			return
		}
		if err != nil {
			s.serverError(c, err)
			return
		}
		week = latest
	}

	d, err := s.store.GetMetrics(ctx, listing, week)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics for listing and week"})
		return
	}
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": d})
}

func (s *Server) handleHistory(c *gin.Context) {
	opts := store.SummaryListOpts{ListingID: strings.TrimSpace(c.Query("listing"))}
	if v := c.Query("month"); v != "" {
		if _, err := history.ParseMonth(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
			return
		}
		opts.Month = v
	}

	sums, err := s.store.ListSummaries(c.Request.Context(), opts)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  sums,
		"count": len(sums),
	})
}

func dateParam(c *gin.Context) (time.Time, bool) {
	t, err := time.Parse(time.DateOnly, c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.log.Error("request failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
