package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"marketplace_auth/internal/auth"
	"marketplace_auth/internal/guard"
	"marketplace_auth/internal/otp"
	"marketplace_auth/internal/reset"
	"marketplace_auth/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

// response follows JSend: success and fail carry data, error carries message.
type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func newSuccessResponse(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, response{Status: statusSuccess, Data: data})
}

func newFailResponse(c *gin.Context, statusCode int, data any) {
	c.AbortWithStatusJSON(statusCode, response{Status: statusFail, Data: data})
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, response{Status: statusError, Message: errMessage})
}

func message(msg string) gin.H {
	return gin.H{"message": msg}
}

// writeError maps a domain error to its HTTP status and body. Anything it does
// not recognise is logged and reported as a 500 without detail.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	var (
		rateLimited *otp.RateLimitedError
		svcErr      *service.Error
	)

	switch {
	case errors.Is(err, service.ErrEmailExists):
		newFailResponse(c, http.StatusConflict, gin.H{"email": "Email already exists"})
	case errors.Is(err, auth.ErrPasswordTooLong):
		newFailResponse(c, http.StatusBadRequest, gin.H{"password": "Password must be at most 72 bytes"})
	case errors.Is(err, service.ErrInvalidCredentials):
		newFailResponse(c, http.StatusUnauthorized, message("Invalid email or password"))
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, guard.ErrUnauthorized):
		newFailResponse(c, http.StatusUnauthorized, message("Unauthorized"))
	case errors.Is(err, guard.ErrForbidden):
		newFailResponse(c, http.StatusForbidden, message("Forbidden"))
	case errors.As(err, &rateLimited):
		newFailResponse(c, http.StatusTooManyRequests, gin.H{
			"message":             fmt.Sprintf("Please wait %d minute(s) before requesting a new code", rateLimited.RemainingMinutes),
			"retry_after_minutes": rateLimited.RemainingMinutes,
		})
	case errors.Is(err, otp.ErrTooManyAttempts):
		newFailResponse(c, http.StatusTooManyRequests, gin.H{"otp": "Too many attempts, request a new code"})
	case errors.Is(err, otp.ErrInvalidOTP):
		newFailResponse(c, http.StatusBadRequest, gin.H{"otp": "Invalid OTP"})
	case errors.Is(err, otp.ErrOTPExpired):
		newFailResponse(c, http.StatusBadRequest, gin.H{"otp": "OTP has expired"})
	case errors.Is(err, reset.ErrResetTokenNotFound):
		newFailResponse(c, http.StatusNotFound, gin.H{"token": "Invalid reset token"})
	case errors.Is(err, reset.ErrResetTokenExpired):
		newFailResponse(c, http.StatusGone, gin.H{"token": "Reset token has expired"})
	case errors.As(err, &svcErr):
		newErrorResponse(c, svcErr.Code, svcErr.Message)
	default:
		log.Error("request failed", slog.Any("error", err))
		newErrorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}
