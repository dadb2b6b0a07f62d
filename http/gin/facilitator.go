package gin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
)

// FacilitatorRoutesConfig configures FacilitatorRoutes
type FacilitatorRoutesConfig struct {
	// APIKey, when set, is required as a bearer token on /verify and /settle
	APIKey string
	Logger *zap.Logger
}

// FacilitatorRoutes exposes a facilitator over HTTP:
// POST /verify, POST /settle and GET /supported.
// Verdicts (invalid payments, failed settlements) are returned with 200.
// Malformed requests get 400 and infrastructure failures get 500.
func FacilitatorRoutes(router gin.IRouter, facilitator *x402.X402Facilitator, config FacilitatorRoutesConfig) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	guarded := router.Group("/")
	if config.APIKey != "" {
		guarded.Use(requireBearer(config.APIKey))
	}

	guarded.POST("/verify", func(c *gin.Context) {
		var req x402.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		response, err := facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			logger.Warn("verify error", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, response)
	})

	guarded.POST("/settle", func(c *gin.Context) {
		var req x402.SettleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		response, err := facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			logger.Warn("settle error", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, response)
	})

	router.GET("/supported", func(c *gin.Context) {
		c.JSON(http.StatusOK, facilitator.Supported())
	})
}

func requireBearer(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
