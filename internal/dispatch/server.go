package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Qingzheng-Wang/starship-audio/internal/protocol"
	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Options configure the dispatcher.
type Options struct {
	// LivenessTimeout is how long a worker may stay silent before it is
	// presumed dead and its task is reclaimed. Defaults to 60 seconds.
	LivenessTimeout time.Duration

	// SweepInterval is how often the dispatcher checks worker liveness.
	// Defaults to 5 seconds.
	SweepInterval time.Duration
}

// DefaultOptions returns the default dispatcher options.
func DefaultOptions() Options {
	return Options{
		LivenessTimeout: 60 * time.Second,
		SweepInterval:   5 * time.Second,
	}
}

// Server is the dispatcher. It owns the task store and the worker registry
// for one run and serves both over HTTP.
type Server struct {
	store    *task.Store
	registry *Registry
	opts     Options
	router   *gin.Engine
}

// NewServer builds a dispatcher around an already populated task store.
// Zero option fields fall back to their defaults.
func NewServer(store *task.Store, opts Options) *Server {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultOptions().LivenessTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		store:    store,
		registry: NewRegistry(),
		opts:     opts,
		router:   router,
	}

	router.GET(protocol.PathTask, s.handleTask)
	router.POST(protocol.PathComplete, s.handleComplete)
	router.POST(protocol.PathHeartbeat, s.handleHeartbeat)
	router.GET(protocol.PathStatus, s.handleStatus)
	router.GET(protocol.PathWorkers, s.handleWorkers)
	router.GET(protocol.PathTasks, s.handleTasks)

	return s
}

// Handler returns the dispatcher's routes as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, running the liveness sweep in
// the background. A cancelled context shuts the server down cleanly and
// returns nil; in-flight requests get a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("[dispatch] listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep reclaims tasks from workers that missed their liveness window.
func (s *Server) sweep(now time.Time) {
	for _, r := range s.registry.DetectDead(now, s.opts.LivenessTimeout) {
		if r.Task == "" {
			log.Printf("[dispatch] worker %s presumed dead (idle)", r.Worker)
			continue
		}
		if s.store.Release(r.Task, r.Worker, fmt.Sprintf("worker %s presumed dead", r.Worker)) {
			log.Printf("[dispatch] worker %s presumed dead, reclaimed task %s", r.Worker, r.Task)
		}
	}
}

func (s *Server) handleTask(c *gin.Context) {
	workerID := c.Query("worker")
	if workerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing worker parameter"})
		return
	}
	s.registry.Touch(workerID, c.Query("zone"), time.Now())

	t, ok := s.store.Next(workerID)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	s.registry.SetTask(workerID, t.ID)
	log.Printf("[dispatch] assigned %s to %s (attempt %d)", t.ID, workerID, t.Attempts)
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleComplete(c *gin.Context) {
	var req protocol.CompleteRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Worker == "" || req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing worker or task"})
		return
	}
	s.registry.Touch(req.Worker, "", time.Now())

	err := s.store.Report(req.Worker, req.Task, req.Outcome, req.Error)
	switch {
	case errors.Is(err, task.ErrNotAssigned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.registry.ClearTask(req.Worker)
	log.Printf("[dispatch] %s reported %s %s", req.Worker, req.Task, req.Outcome)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Worker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing worker"})
		return
	}
	s.registry.Touch(req.Worker, "", time.Now())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	counts := s.store.Counts()
	c.JSON(http.StatusOK, protocol.StatusResponse{
		Counts:   counts,
		Complete: counts.Complete(),
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Workers())
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Tasks())
}
