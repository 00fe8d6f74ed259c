package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"propfirm-core/internal/engine"
	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

type listPositionsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=open closed all"`
}

type listTradesQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

type closePositionRequest struct {
	Quantity int     `json:"quantity" binding:"gte=0"`
	Price    float64 `json:"price" binding:"gte=0"`
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

type applyWeightsRequest struct {
	Results []learning.Result `json:"results" binding:"required,min=1,dive"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}

// respondEngineError maps engine, gateway and ledger errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownAction):
		respondError(c, http.StatusBadRequest, "UNKNOWN_ACTION", err.Error())
	case errors.Is(err, engine.ErrNoPrice):
		respondError(c, http.StatusBadRequest, "NO_PRICE", err.Error())
	case errors.Is(err, engine.ErrTradeRejected):
		respondError(c, http.StatusUnprocessableEntity, "TRADE_REJECTED", err.Error())
	case errors.Is(err, engine.ErrPositionOpen):
		respondError(c, http.StatusConflict, "POSITION_OPEN", err.Error())
	case errors.Is(err, engine.ErrNoValidator):
		respondError(c, http.StatusNotImplemented, "NO_VALIDATOR", err.Error())
	case errors.Is(err, ledger.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, gateway.ErrInvalidQuantity):
		respondError(c, http.StatusBadRequest, "INVALID_QUANTITY", err.Error())
	case errors.Is(err, gateway.ErrGatewayDisabled):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_DISABLED", err.Error())
	case errors.Is(err, gateway.ErrRateLimited):
		respondError(c, http.StatusTooManyRequests, "ORDER_RATE_LIMITED", err.Error())
	case errors.Is(err, gateway.ErrOrderRejected):
		respondError(c, http.StatusBadGateway, "ORDER_REJECTED", err.Error())
	default:
		logger.S().Errorw("api request failed", "path", c.Request.URL.Path, "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Snapshot(c.Request.Context()))
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.RiskState())
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.Engine.Account(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) getPositions(c *gin.Context) {
	var q listPositionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "status must be open, closed or all")
		return
	}
	filter := db.FilterOpen
	if q.Status != "" {
		filter = db.StatusFilter(q.Status)
	}
	positions, err := s.Engine.Positions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be between 1 and 500")
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	trades, err := s.Engine.Trades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getLearning(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.LearningState())
}

func (s *Server) getPendingChanges(c *gin.Context) {
	changes := s.Engine.PendingChanges()
	if changes == nil {
		changes = []learning.Change{}
	}
	c.JSON(http.StatusOK, changes)
}

func (s *Server) postSignal(c *gin.Context) {
	var req engine.ManualOrder
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	res, err := s.Engine.ExecuteManual(c.Request.Context(), req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
			return
		}
	}
	closed, err := s.Engine.ClosePosition(c.Request.Context(), c.Param("id"), req.Quantity, req.Price)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if closed == nil {
		c.JSON(http.StatusOK, gin.H{"closed": false, "message": "position already closed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "position": closed.Position, "trade": closed.Trade})
}

func (s *Server) closeAll(c *gin.Context) {
	closed, err := s.Engine.CloseAll(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": len(closed), "trades": tradesOf(closed)})
}

func (s *Server) emergencyStop(c *gin.Context) {
	reason := bindReason(c, "emergency stop via api")
	closed, err := s.Engine.Flatten(c.Request.Context(), reason)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": len(closed), "trades": tradesOf(closed), "risk": s.Engine.RiskState()})
}

func (s *Server) disableTrading(c *gin.Context) {
	reason := bindReason(c, "disabled via api")
	if err := s.Engine.DisableTrading(c.Request.Context(), reason); err != nil {
		respondError(c, http.StatusInternalServerError, "PERSIST_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Engine.RiskState())
}

func (s *Server) enableTrading(c *gin.Context) {
	state, err := s.Engine.EnableTrading(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "PERSIST_ERROR", err.Error())
		return
	}
	logger.S().Warnw("trading enabled by operator", "operator", CurrentOperator(c), "allowed", state.IsTradingAllowed)
	c.JSON(http.StatusOK, state)
}

func (s *Server) enableGateway(c *gin.Context) {
	s.Engine.EnableGateway()
	logger.S().Warnw("gateway re-armed by operator", "operator", CurrentOperator(c))
	c.JSON(http.StatusOK, s.Engine.Snapshot(c.Request.Context()).Gateway)
}

func (s *Server) resetEvaluation(c *gin.Context) {
	state, err := s.Engine.ResetEvaluation(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	logger.S().Warnw("evaluation reset by operator", "operator", CurrentOperator(c))
	c.JSON(http.StatusOK, state)
}

func (s *Server) validateWeights(c *gin.Context) {
	results, err := s.Engine.ValidateWeights(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if results == nil {
		results = []learning.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "state": s.Engine.LearningState()})
}

func (s *Server) applyWeights(c *gin.Context) {
	var req applyWeightsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "results are required")
		return
	}
	if err := s.Engine.ApplyWeights(c.Request.Context(), req.Results); err != nil {
		respondEngineError(c, err)
		return
	}
	logger.S().Warnw("validated weights applied by operator", "operator", CurrentOperator(c), "results", len(req.Results))
	c.JSON(http.StatusOK, s.Engine.LearningState())
}

// bindReason reads an optional {"reason": ...} body.
func bindReason(c *gin.Context, fallback string) string {
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	if req.Reason == "" {
		return fallback
	}
	return req.Reason
}

func tradesOf(closed []ledger.Closed) []db.Trade {
	out := make([]db.Trade, len(closed))
	for i, c := range closed {
		out[i] = c.Trade
	}
	return out
}
