package handler

import (
	"log/slog"
	"net/http"

	"marketplace_auth/internal/guard"
	"marketplace_auth/internal/models"
	"marketplace_auth/internal/service"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

type Handler struct {
	serviceLayer service.Service
	access       guard.Guard
	log          *slog.Logger
}

// NewHandler takes the access chain every protected route runs through,
// normally guard.Access(codec, blacklist).
func NewHandler(srvc service.Service, access guard.Guard, lgr *slog.Logger) *Handler {
	return &Handler{
		serviceLayer: srvc,
		access:       access,
		log:          lgr,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestid.New(requestid.WithCustomHeaderStrKey("X-Request-Id")))
	router.Use(SlogMiddleware(h.log))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/health", h.Health)

	auth := router.Group("/auth")
	{
		auth.POST("/register/customer", h.RegisterCustomer)
		auth.POST("/register/service-provider", h.RegisterServiceProvider)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshTokens)
		auth.POST("/forgot-password", h.ForgotPassword)
		auth.POST("/reset-password/:token", h.ResetPassword)
		auth.POST("/verify-email", h.VerifyEmail)
		auth.POST("/resend-otp", h.ResendOTP)

		protected := auth.Group("", h.GuardMiddleware())
		protected.POST("/logout", h.Logout)
		protected.POST("/logout-all", h.LogoutAll)
		protected.POST("/change-password", h.ChangePassword)
		protected.GET("/profile", h.GetProfile)
	}
	admin := router.Group("/admin", h.GuardMiddleware(guard.RequireRole(models.RoleAdmin)))
	{
		admin.GET("/users", h.GetAllUsers)
	}

	return router
}

// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerCustomerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
	FullName string `json:"full_name" binding:"required"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
}

type registerServiceProviderRequest struct {
	Email        string   `json:"email" binding:"required,email"`
	Password     string   `json:"password" binding:"required,min=8,max=72"`
	BusinessName string   `json:"business_name" binding:"required"`
	Phone        string   `json:"phone"`
	Description  string   `json:"description"`
	Categories   []string `json:"categories"`
}

// POST /auth/register/customer
func (h *Handler) RegisterCustomer(c *gin.Context) {
	const op = "handler.RegisterCustomer"

	log := h.log.With(slog.String("op", op))

	var req registerCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("invalid request body", slog.Any("error", err))

		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	user, err := h.serviceLayer.RegisterCustomer(c.Request.Context(), service.CustomerRegistration{
		Email:    req.Email,
		Password: req.Password,
		Profile: models.CustomerProfile{
			FullName: req.FullName,
			Phone:    req.Phone,
			Address:  req.Address,
		},
	})
	if err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusCreated, user)
}

// POST /auth/register/service-provider
func (h *Handler) RegisterServiceProvider(c *gin.Context) {
	const op = "handler.RegisterServiceProvider"

	log := h.log.With(slog.String("op", op))

	var req registerServiceProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("invalid request body", slog.Any("error", err))

		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	user, err := h.serviceLayer.RegisterServiceProvider(c.Request.Context(), service.ServiceProviderRegistration{
		Email:    req.Email,
		Password: req.Password,
		Profile: models.ServiceProviderProfile{
			BusinessName: req.BusinessName,
			Phone:        req.Phone,
			Description:  req.Description,
			Categories:   req.Categories,
		},
	})
	if err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusCreated, user)
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("invalid request body", slog.Any("error", err))

		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	res, err := h.serviceLayer.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, log, err)

		return
	}

	log.Info("user logged in", slog.Any("user_id", res.User.ID))

	newSuccessResponse(c, http.StatusOK, res)
}

// POST /auth/refresh
func (h *Handler) RefreshTokens(c *gin.Context) {
	const op = "handler.RefreshTokens"

	log := h.log.With(slog.String("op", op))

	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message("refreshToken is required"))

		return
	}

	pair, err := h.serviceLayer.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, gin.H{"tokens": pair})
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	token, claims, ok := sessionFromContext(c)
	if !ok {
		newFailResponse(c, http.StatusUnauthorized, message("Unauthorized"))

		return
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), token, claims); err != nil {
		writeError(c, log, err)

		return
	}

	log.Info("user logout", slog.String("user_id", claims.Subject))

	newSuccessResponse(c, http.StatusOK, message("Successfully logged out"))
}

// POST /auth/logout-all
func (h *Handler) LogoutAll(c *gin.Context) {
	const op = "handler.LogoutAll"

	log := h.log.With(slog.String("op", op))

	token, claims, ok := sessionFromContext(c)
	if !ok {
		newFailResponse(c, http.StatusUnauthorized, message("Unauthorized"))

		return
	}

	if err := h.serviceLayer.LogoutAll(c.Request.Context(), token, claims); err != nil {
		writeError(c, log, err)

		return
	}

	log.Info("user logout from all sessions", slog.String("user_id", claims.Subject))

	newSuccessResponse(c, http.StatusOK, message("Successfully logged out from all sessions"))
}

// POST /auth/forgot-password
func (h *Handler) ForgotPassword(c *gin.Context) {
	const op = "handler.ForgotPassword"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	// the answer is the same whether or not the account exists
	if err := h.serviceLayer.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		log.Error("failed to start password reset", slog.Any("error", err))
	}

	newSuccessResponse(c, http.StatusOK, message("If the email is registered, a reset link has been sent"))
}

// POST /auth/reset-password/:token
func (h *Handler) ResetPassword(c *gin.Context) {
	const op = "handler.ResetPassword"

	log := h.log.With(slog.String("op", op))

	var req struct {
		NewPassword     string `json:"new_password" binding:"required,min=8,max=72"`
		ConfirmPassword string `json:"confirm_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	if req.NewPassword != req.ConfirmPassword {
		newFailResponse(c, http.StatusBadRequest, gin.H{"confirm_password": "Passwords do not match"})

		return
	}

	if err := h.serviceLayer.ResetPassword(c.Request.Context(), c.Param("token"), req.NewPassword); err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, message("Password has been reset"))
}

// POST /auth/verify-email
func (h *Handler) VerifyEmail(c *gin.Context) {
	const op = "handler.VerifyEmail"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email string `json:"email" binding:"required,email"`
		OTP   string `json:"otp" binding:"required,len=6,numeric"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	if err := h.serviceLayer.VerifyEmail(c.Request.Context(), req.Email, req.OTP); err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, message("Email verified"))
}

// POST /auth/resend-otp
func (h *Handler) ResendOTP(c *gin.Context) {
	const op = "handler.ResendOTP"

	log := h.log.With(slog.String("op", op))

	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	if err := h.serviceLayer.ResendOTP(c.Request.Context(), req.Email); err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, message("If the email awaits verification, a new code has been sent"))
}

// POST /auth/change-password
func (h *Handler) ChangePassword(c *gin.Context) {
	const op = "handler.ChangePassword"

	log := h.log.With(slog.String("op", op))

	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required,min=8,max=72"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		newFailResponse(c, http.StatusBadRequest, message(err.Error()))

		return
	}

	if err := h.serviceLayer.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(c, log, err)

		return
	}

	log.Info("password changed", slog.Any("user_id", userID))

	newSuccessResponse(c, http.StatusOK, message("Password changed"))
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	const op = "handler.GetProfile"

	log := h.log.With(slog.String("op", op))

	userID, ok := h.userID(c)
	if !ok {
		return
	}

	user, err := h.serviceLayer.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, user)
}

// GET /admin/users
func (h *Handler) GetAllUsers(c *gin.Context) {
	const op = "handler.GetAllUsers"

	log := h.log.With(slog.String("op", op))

	users, err := h.serviceLayer.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, log, err)

		return
	}

	newSuccessResponse(c, http.StatusOK, gin.H{"users": users})
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, bool) {
	_, claims, ok := sessionFromContext(c)
	if !ok {
		newFailResponse(c, http.StatusUnauthorized, message("Unauthorized"))

		return uuid.Nil, false
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		h.log.Error("failed to convert to uuid", slog.String("subject", claims.Subject), slog.Any("error", err))

		newFailResponse(c, http.StatusUnauthorized, message("Unauthorized"))

		return uuid.Nil, false
	}

	return id, true
}
