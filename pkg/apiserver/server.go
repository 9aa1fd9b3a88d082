package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/apiserver/handlers"
	"github.com/reelflow/reelflow/pkg/apiserver/middleware"
	"github.com/reelflow/reelflow/pkg/auth"
	"github.com/reelflow/reelflow/pkg/deadletter"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/eventbus"
	"github.com/reelflow/reelflow/pkg/webhook"
)

// Deps are the components the HTTP surface sits on.
type Deps struct {
	Engine      *engine.Engine
	Webhooks    *webhook.Handler
	DeadLetters *deadletter.Service
	Journal     handlers.JournalReader
	Broker      eventbus.Broker
	Tokens      *auth.OperatorTokenManager
	Logger      *zap.Logger
}

type Server struct {
	router *gin.Engine
	deps   Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tokens == nil {
		// no signing key: every operator call is rejected
		deps.Tokens = auth.NewOperatorTokenManager(nil, 0, "")
	}
	s := &Server{deps: deps}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.deps.Logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.Webhooks != nil {
		s.deps.Webhooks.Register(r)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(s.deps.Tokens))
	{
		read := middleware.RequireScope(auth.ScopeRead)
		write := middleware.RequireScope(auth.ScopeWrite)
		replay := middleware.RequireScope(auth.ScopeReplay)

		brand := api.Group("/brands/:brand", middleware.BrandAccess())
		if s.deps.Engine != nil {
			workflowHandler := handlers.NewWorkflowHandler(s.deps.Engine, s.deps.Journal, s.deps.Logger)
			brand.POST("/workflows", write, workflowHandler.Create)
			brand.GET("/workflows", read, workflowHandler.List)
			brand.GET("/workflows/:id", read, workflowHandler.Get)
			brand.POST("/workflows/:id/cancel", write, workflowHandler.Cancel)
			brand.POST("/workflows/:id/retry", replay, workflowHandler.Retry)
			brand.GET("/workflows/:id/journal", read, workflowHandler.Journal)
		}
		if s.deps.Broker != nil {
			streamHandler := handlers.NewStreamHandler(s.deps.Broker)
			brand.GET("/events", read, streamHandler.Stream)
		}

		if s.deps.DeadLetters != nil {
			deadLetterHandler := handlers.NewDeadLetterHandler(s.deps.DeadLetters, s.deps.Logger)
			api.GET("/dead-letters", read, deadLetterHandler.List)
			api.GET("/dead-letters/:id", read, deadLetterHandler.Get)
			api.POST("/dead-letters/:id/resolve", write, deadLetterHandler.Resolve)
			api.POST("/dead-letters/:id/replay", replay, deadLetterHandler.Replay)
		}
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler is the router as mounted on the http.Server.
func (s *Server) Handler() http.Handler {
	return handlers.WithResponseController(s.router)
}
