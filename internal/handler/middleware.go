package handler

import (
	"log/slog"
	"time"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/guard"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

const (
	ctxAccessToken = "AccessToken"
	ctxClaims      = "Claims"
)

func SlogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rlog := logger.With(
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", requestid.Get(c)),
		)

		start := time.Now()
		rlog.Debug("request started")
		c.Next()
		rlog.Info("request completed",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// GuardMiddleware runs the access chain followed by extra, and stores the
// verified token and claims on the context.
func (h *Handler) GuardMiddleware(extra ...guard.Guard) gin.HandlerFunc {
	chain := guard.Chain(append([]guard.Guard{h.access}, extra...)...)

	return func(c *gin.Context) {
		req := &guard.Request{Header: c.GetHeader("Authorization")}
		if err := chain(c.Request.Context(), req); err != nil {
			h.log.Debug("request denied",
				slog.String("path", c.Request.URL.Path),
				slog.Any("reason", err),
			)
			writeError(c, h.log, err)

			return
		}

		c.Set(ctxAccessToken, req.Token)
		c.Set(ctxClaims, req.Claims)

		c.Next()
	}
}

func sessionFromContext(c *gin.Context) (string, *auth.Claims, bool) {
	token := c.GetString(ctxAccessToken)

	value, ok := c.Get(ctxClaims)
	if !ok {
		return "", nil, false
	}

	claims, ok := value.(*auth.Claims)
	if !ok || claims == nil || token == "" {
		return "", nil, false
	}

	return token, claims, true
}
