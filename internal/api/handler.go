package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"propfirm-core/internal/engine"
	"propfirm-core/internal/events"
	"propfirm-core/internal/monitor"
)

// TokenValidator checks operator tokens for a scope and returns the operator name.
type TokenValidator interface {
	Validate(token, scope string) (string, error)
}

// Options wires the server's collaborators. Recorder and Gatherer are optional.
type Options struct {
	Engine    engine.Service
	Bus       *events.Bus
	Operators TokenValidator
	Recorder  *monitor.Recorder
	Gatherer  prometheus.Gatherer
	APIKey    string
	RateLimit float64 // requests per second per client IP, 0 disables
	Burst     int
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Operators TokenValidator
	Recorder  *monitor.Recorder
	gatherer  prometheus.Gatherer
	apiKey    string
}

func NewServer(o Options) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(o.Recorder))
	if o.RateLimit > 0 {
		r.Use(RateLimitMiddleware(newIPLimiters(o.RateLimit, o.Burst)))
	}
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    o.Engine,
		Bus:       o.Bus,
		Operators: o.Operators,
		Recorder:  o.Recorder,
		gatherer:  o.Gatherer,
		apiKey:    o.APIKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.Router.GET("/ws", APIKeyMiddleware(s.apiKey), s.websocket)

	api := s.Router.Group("/api")
	api.Use(APIKeyMiddleware(s.apiKey))
	{
		api.GET("/status", s.getStatus)
		api.GET("/risk", s.getRisk)
		api.GET("/account", s.getAccount)
		api.GET("/positions", s.getPositions)
		api.GET("/trades", s.getTrades)
		api.GET("/learning", s.getLearning)
		api.GET("/learning/pending", s.getPendingChanges)

		api.POST("/signal", s.postSignal)
		api.POST("/positions/close-all", s.closeAll)
		api.POST("/positions/:id/close", s.closePosition)
		api.POST("/emergency-stop", s.emergencyStop)
		api.POST("/trading/disable", s.disableTrading)

		// Operator actions need a scoped token on top of the API key.
		api.POST("/trading/enable", s.operator(ScopeEnableTrading), s.enableTrading)
		api.POST("/gateway/enable", s.operator(ScopeEnableGateway), s.enableGateway)
		api.POST("/evaluation/reset", s.operator(ScopeResetEvaluation), s.resetEvaluation)
		api.POST("/learning/validate", s.operator(ScopeWeights), s.validateWeights)
		api.POST("/learning/apply", s.operator(ScopeWeights), s.applyWeights)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
