package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/meterline/meterline/internal/types"
)

// RequestIDMiddleware propagates the caller's request id, minting one when
// absent, and echoes it on the response
func RequestIDMiddleware(c *gin.Context) {
	requestID := c.GetHeader(types.HeaderRequestID)
	if requestID == "" {
		requestID = types.GenerateUUID()
	}

	ctx := types.SetRequestID(c.Request.Context(), requestID)
	c.Request = c.Request.WithContext(ctx)

	c.Header(types.HeaderRequestID, requestID)
	c.Next()
}
