// Package relay is the HTTP surface the chat client talks to. It forwards
// prompts to an Ollama model server and reports its reachability.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"agentchat/internal/config"
)

// Version is reported by the info endpoint.
var Version = "dev"

var errStopped = errors.New("generation stopped")

type chatRequest struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type chatResponse struct {
	Response      string  `json:"response"`
	ExecutionTime float64 `json:"executionTime"`
	Thinking      string  `json:"thinking,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

// Server holds the relay's handlers and in-flight generations.
type Server struct {
	cfg     config.Config
	model   Model
	watch   *UpstreamWatch
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	nextID uint64
	active map[uint64]context.CancelCauseFunc
}

func NewServer(cfg config.Config, model Model, watch *UpstreamWatch) *Server {
	s := &Server{
		cfg:    cfg,
		model:  model,
		watch:  watch,
		now:    time.Now,
		active: make(map[uint64]context.CancelCauseFunc),
	}
	if cfg.Relay.RateLimit > 0 {
		burst := cfg.Relay.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Relay.RateLimit), burst)
	}
	return s
}

// Handler builds the gin engine. ctx carries the logger used for request logs.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(ctx))
	r.Use(cors(s.cfg.Relay.AllowedOrigins))

	r.GET("/", s.handleInfo)
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.POST("/chat", s.handleChat)
	r.POST("/chat/stop", s.handleStop)
	return r
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "AI Agent Chat API",
		"version":   Version,
		"status":    "running",
		"timestamp": s.stamp(),
		"endpoints": gin.H{
			"chat":   "POST /chat",
			"stop":   "POST /chat/stop",
			"status": "GET /status",
			"health": "GET /health",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	connected := s.watch.Reachable()
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"ollama_connected": connected,
		"agent_ready":      s.model != nil,
		"timestamp":        s.stamp(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	state := s.watch.State()
	status := "connected"
	if !state.Reachable {
		status = "disconnected"
	}
	body := gin.H{
		"status":        status,
		"isConnected":   state.Reachable,
		"model":         s.cfg.Agent.Model,
		"endpoint":      s.cfg.Agent.Endpoint,
		"temperature":   s.cfg.Agent.Temperature,
		"contextSize":   s.cfg.Agent.ContextSize,
		"maxIterations": s.cfg.Agent.MaxIterations,
		"modelPresent":  HasModel(state.Models, s.cfg.Agent.Model),
		"activeChats":   s.activeCount(),
		"timestamp":     s.stamp(),
	}
	if !state.CheckedAt.IsZero() {
		body["checkedAt"] = state.CheckedAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "message must not be empty"})
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "too many requests"})
		return
	}
	if !s.watch.Reachable() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "cannot connect to Ollama; ensure it is running"})
		return
	}

	base, stop := context.WithCancelCause(c.Request.Context())
	id := s.track(stop)
	defer s.untrack(id)
	ctx, cancel := context.WithTimeout(base, s.cfg.Relay.UpstreamTimeout)
	defer cancel()

	started := s.now()
	out, err := s.model.Chat(ctx, prompt)
	elapsed := s.now().Sub(started).Seconds()
	if err != nil {
		s.chatFailed(ctx, c, err)
		return
	}
	s.watch.Mark(true, nil)

	answer, thinking := SplitThinking(out.Content)
	if trace := strings.TrimSpace(out.Thinking); trace != "" {
		thinking = strings.TrimSpace(trace + "\n\n" + thinking)
	}
	if answer == "" {
		answer = "No response generated"
	}
	log.Debug(c.Request.Context(), log.KV{K: "msg", V: "chat answered"},
		log.KV{K: "elapsed", V: elapsed}, log.KV{K: "thinking", V: thinking != ""})
	c.JSON(http.StatusOK, chatResponse{
		Response:      answer,
		ExecutionTime: elapsed,
		Thinking:      thinking,
		Timestamp:     s.stamp(),
	})
}

func (s *Server) chatFailed(ctx context.Context, c *gin.Context, err error) {
	var upstream *UpstreamError
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "generation was stopped"})
	case errors.Is(cause, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"detail": "upstream model timed out"})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"detail": fmt.Sprintf("upstream error: status %d", upstream.Status)})
	case cause != nil:
		// Client went away; nobody reads this response.
		c.Status(http.StatusServiceUnavailable)
	default:
		s.watch.Mark(false, err)
		log.Error(c.Request.Context(), err, log.KV{K: "msg", V: "chat failed"})
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "cannot connect to Ollama; ensure it is running"})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	n := s.stopAll()
	c.JSON(http.StatusOK, gin.H{
		"message":   "stop request received",
		"stopped":   n,
		"timestamp": s.stamp(),
	})
}

func (s *Server) track(stop context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.active[s.nextID] = stop
	return s.nextID
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	stop := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if stop != nil {
		stop(nil)
	}
}

func (s *Server) stopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stop := range s.active {
		stop(errStopped)
	}
	return len(s.active)
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func requestLogger(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(log.WithContext(c.Request.Context(), ctx))
		c.Next()
		log.Info(c.Request.Context(),
			log.KV{K: "method", V: c.Request.Method},
			log.KV{K: "path", V: c.FullPath()},
			log.KV{K: "status", V: c.Writer.Status()},
			log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
		)
	}
}

func cors(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Run serves the relay on cfg.Relay.Listen until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	model := NewOllama(cfg.Agent)
	watch, err := NewUpstreamWatch(model, cfg.Relay.ProbeSchedule, cfg.Client.ProbeTimeout)
	if err != nil {
		return err
	}
	watch.Start(ctx)
	defer watch.Stop()

	if state := watch.State(); !state.Reachable {
		log.Warn(ctx, log.KV{K: "msg", V: "Ollama is not reachable; chat requests will fail until it is"},
			log.KV{K: "endpoint", V: cfg.Agent.Endpoint})
	} else if !HasModel(state.Models, cfg.Agent.Model) {
		log.Warn(ctx, log.KV{K: "msg", V: "model not pulled"}, log.KV{K: "model", V: cfg.Agent.Model})
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           NewServer(cfg, model, watch).Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, log.KV{K: "msg", V: "relay listening"}, log.KV{K: "addr", V: cfg.Relay.Listen},
		log.KV{K: "model", V: cfg.Agent.Model})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
