package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"propfirm-core/pkg/logger"
	"propfirm-core/pkg/operator"
)

const (
	apiKeyHeader        = "X-API-Key"
	operatorTokenHeader = "X-Operator-Token"
	operatorContextKey  = "Operator"
)

// Operator scopes, re-exported for route wiring.
const (
	ScopeEnableTrading   = operator.ScopeEnableTrading
	ScopeEnableGateway   = operator.ScopeEnableGateway
	ScopeResetEvaluation = operator.ScopeResetEvaluation
	ScopeWeights         = operator.ScopeWeights
)

// APIKeyMiddleware requires the shared API key in X-API-Key or, for
// websocket clients, the api_key query parameter.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(apiKeyHeader)
		if got == "" {
			got = c.Query("api_key")
		}
		if got == "" {
			respondError(c, http.StatusUnauthorized, "MISSING_API_KEY", "missing X-API-Key header")
			c.Abort()
			return
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			respondError(c, http.StatusUnauthorized, "INVALID_API_KEY", "invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// operator requires an X-Operator-Token carrying scope.
func (s *Server) operator(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Operators == nil {
			respondError(c, http.StatusForbidden, "OPERATOR_DISABLED", "operator actions are not configured")
			c.Abort()
			return
		}
		tok := c.GetHeader(operatorTokenHeader)
		if tok == "" {
			respondError(c, http.StatusForbidden, "MISSING_OPERATOR_TOKEN", "missing X-Operator-Token header")
			c.Abort()
			return
		}
		name, err := s.Operators.Validate(tok, scope)
		if err != nil {
			logger.S().Warnw("operator token rejected", "scope", scope, "path", c.Request.URL.Path, "error", err)
			respondError(c, http.StatusForbidden, "INVALID_OPERATOR_TOKEN", err.Error())
			c.Abort()
			return
		}
		c.Set(operatorContextKey, name)
		c.Next()
	}
}

// CurrentOperator returns the operator authenticated for this request.
func CurrentOperator(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}
