package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/makotoclub/backend/internal/auth"
	"github.com/makotoclub/backend/internal/metrics"
	"github.com/makotoclub/backend/internal/reviews"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const reviewerClaimsContextKey = "makoto_reviewer_claims"

const excerptRuneLimit = 80

var (
	errMissingAuthService   = errors.New("auth service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingReviewService = errors.New("review service dependency required")
	errMissingAdminToken    = errors.New("admin token required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates backend bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.ReviewerClaims, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	AuthService   *auth.Service
	TokenIssuer   TokenValidator
	ReviewService *reviews.Service
	AdminToken    string
	Logger        *zap.Logger
	Gatherer      prometheus.Gatherer
	Clock         func() time.Time
}

// NewHTTPHandler builds the gin handler serving the public API, the login
// handshake endpoints and the admin dashboard API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.AuthService == nil {
		return nil, errMissingAuthService
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.ReviewService == nil {
		return nil, errMissingReviewService
	}
	if strings.TrimSpace(deps.AdminToken) == "" {
		return nil, errMissingAdminToken
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		authService:   deps.AuthService,
		tokens:        deps.TokenIssuer,
		reviewService: deps.ReviewService,
		adminToken:    deps.AdminToken,
		logger:        logger,
		limiter:       newLoginLimiter(deps.Clock),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(deps.Gatherer)))
	}

	router.POST("/auth/:provider/login", handler.handleBeginLogin)
	router.GET("/auth/:provider/callback", handler.handleLoginCallback)

	api := router.Group("/api")
	api.GET("/reviews", handler.handleListReviews)
	api.GET("/reviews/new", handler.handleLatestReviews)
	api.GET("/reviews/high-rated", handler.handleHighRatedReviews)
	api.GET("/reviews/:id", handler.handleReviewDetail)
	api.GET("/stores", handler.handleListStores)
	api.POST("/reviews", handler.authorizeRequest, handler.handleSubmitReview)

	admin := api.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/reviews", handler.handleAdminListReviews)
	admin.GET("/reviews/:id", handler.handleAdminReviewDetail)
	admin.PATCH("/reviews/:id", handler.handleAdminUpdateContent)
	admin.PATCH("/reviews/:id/status", handler.handleAdminUpdateStatus)

	return router, nil
}

type httpHandler struct {
	authService   *auth.Service
	tokens        TokenValidator
	reviewService *reviews.Service
	adminToken    string
	logger        *zap.Logger
	limiter       *loginLimiter
}

type beginLoginPayload struct {
	Origin   string `json:"origin"`
	Delivery string `json:"delivery"`
}

func (h *httpHandler) handleBeginLogin(c *gin.Context) {
	if !h.limiter.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	providerName := c.Param("provider")
	var request beginLoginPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Origin) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.authService.BeginLogin(c.Request.Context(), providerName, request.Origin, request.Delivery)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, auth.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
	case errors.Is(err, auth.ErrOriginNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "origin_not_allowed"})
	default:
		h.logger.Error("login initiation failed", zap.String("provider", providerName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_start_failed"})
	}
}

func (h *httpHandler) handleLoginCallback(c *gin.Context) {
	providerName := c.Param("provider")
	provider, ok := h.authService.Provider(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return
	}

	providerError := c.Query("error")
	if description := c.Query("error_description"); providerError != "" && description != "" {
		providerError = description
	}

	result, err := h.authService.CompleteLogin(
		c.Request.Context(),
		providerName,
		c.Query("code"),
		c.Query("state"),
		providerError,
	)
	if err != nil {
		// Without a valid state there is no trusted origin to deliver to.
		h.logger.Warn("login callback rejected", zap.String("provider", providerName), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}

	if result.Delivery == auth.DeliveryRedirect {
		target, err := auth.FragmentURL(result.Origin, provider.FragmentPrefix, result.Envelope)
		if err != nil {
			h.logger.Error("fragment encoding failed", zap.String("provider", providerName), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "callback_failed"})
			return
		}
		c.Redirect(http.StatusFound, target)
		return
	}

	document, err := auth.PopupDocument(result.Envelope, result.Origin)
	if err != nil {
		h.logger.Error("popup document rendering failed", zap.String("provider", providerName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback_failed"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(document))
}

type reviewContentPayload struct {
	StoreName      string `json:"storeName"`
	Prefecture     string `json:"prefecture"`
	Category       string `json:"category"`
	VisitedAt      string `json:"visitedAt"`
	Age            int    `json:"age"`
	SpecScore      int    `json:"specScore"`
	WaitTimeHours  int    `json:"waitTimeHours"`
	AverageEarning int    `json:"averageEarning"`
	Comment        string `json:"comment"`
}

func (p reviewContentPayload) toContent() reviews.Content {
	return reviews.Content{
		StoreName:      p.StoreName,
		Prefecture:     p.Prefecture,
		Category:       p.Category,
		VisitedAt:      p.VisitedAt,
		Age:            p.Age,
		SpecScore:      p.SpecScore,
		WaitTimeHours:  p.WaitTimeHours,
		AverageEarning: p.AverageEarning,
		Comment:        p.Comment,
	}
}

func (h *httpHandler) handleSubmitReview(c *gin.Context) {
	claims, ok := c.Value(reviewerClaimsContextKey).(auth.ReviewerClaims)
	if !ok || claims.Subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request reviewContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	review, err := h.reviewService.Submit(c.Request.Context(), request.toContent(), reviews.Reviewer{
		ID:     claims.Provider + ":" + claims.Subject,
		Name:   claims.DisplayName,
		Handle: claims.Handle,
	})
	if err != nil {
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_review"})
			return
		}
		h.logger.Error("review submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
		return
	}

	c.JSON(http.StatusCreated, adminReviewFrom(review))
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	query := reviews.ListQuery{
		Prefecture: c.Query("prefecture"),
		Category:   c.Query("category"),
		StoreName:  c.Query("storeName"),
		Sort:       c.Query("sort"),
	}
	if raw := c.Query("avgEarning"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		query.AverageEarning = &value
	}
	query.Page, _ = strconv.Atoi(c.Query("page"))
	query.Limit, _ = strconv.Atoi(c.Query("limit"))

	result, err := h.reviewService.List(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("review listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	items := make([]reviewSummaryPayload, 0, len(result.Items))
	for _, review := range result.Items {
		items = append(items, summaryFrom(review))
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"page":  result.Page,
		"limit": result.Limit,
		"total": result.Total,
	})
}

func (h *httpHandler) handleLatestReviews(c *gin.Context) {
	featured, err := h.reviewService.Featured(c.Request.Context())
	if err != nil {
		h.logger.Error("featured listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, summariesFrom(featured.Latest))
}

func (h *httpHandler) handleHighRatedReviews(c *gin.Context) {
	featured, err := h.reviewService.Featured(c.Request.Context())
	if err != nil {
		h.logger.Error("featured listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, summariesFrom(featured.HighRated))
}

func (h *httpHandler) handleReviewDetail(c *gin.Context) {
	review, err := h.reviewService.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, reviews.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("review detail failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detail_failed"})
		return
	}

	payload := reviewDetailPayload{
		reviewSummaryPayload: summaryFrom(review),
		Description:          review.Comment,
		AuthorDisplayName:    review.ReviewerName,
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleListStores(c *gin.Context) {
	stores, err := h.reviewService.Stores(c.Request.Context())
	if err != nil {
		h.logger.Error("store listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	items := make([]storeSummaryPayload, 0, len(stores))
	for _, store := range stores {
		items = append(items, storeSummaryPayload{
			StoreName:      store.StoreName,
			Prefecture:     store.Prefecture,
			Category:       store.Category,
			AverageEarning: store.AverageEarning,
			WaitTimeHours:  store.WaitTimeHours,
			ReviewCount:    store.ReviewCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleAdminListReviews(c *gin.Context) {
	items, err := h.reviewService.AdminList(c.Request.Context(), c.Query("status"))
	if err != nil {
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		h.logger.Error("admin listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payloads := make([]adminReviewPayload, 0, len(items))
	for _, review := range items {
		payloads = append(payloads, adminReviewFrom(review))
	}
	c.JSON(http.StatusOK, gin.H{"items": payloads})
}

func (h *httpHandler) handleAdminReviewDetail(c *gin.Context) {
	review, err := h.reviewService.AdminGet(c.Request.Context(), c.Param("id"))
	if errors.Is(err, reviews.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("admin detail failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detail_failed"})
		return
	}
	c.JSON(http.StatusOK, adminReviewFrom(review))
}

func (h *httpHandler) handleAdminUpdateContent(c *gin.Context) {
	var request reviewContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	review, err := h.reviewService.UpdateContent(c.Request.Context(), c.Param("id"), request.toContent())
	if err != nil {
		h.respondUpdateError(c, err, "content update failed")
		return
	}
	c.JSON(http.StatusOK, adminReviewFrom(review))
}

type statusUpdatePayload struct {
	Status       string `json:"status"`
	StatusNote   string `json:"statusNote"`
	ReviewedBy   string `json:"reviewedBy"`
	RewardStatus string `json:"rewardStatus"`
	RewardNote   string `json:"rewardNote"`
}

func (h *httpHandler) handleAdminUpdateStatus(c *gin.Context) {
	var request statusUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	review, err := h.reviewService.UpdateStatus(c.Request.Context(), c.Param("id"), reviews.StatusUpdate{
		Status:       reviews.Status(request.Status),
		StatusNote:   request.StatusNote,
		ReviewedBy:   request.ReviewedBy,
		RewardStatus: reviews.RewardStatus(request.RewardStatus),
		RewardNote:   request.RewardNote,
	})
	if err != nil {
		h.respondUpdateError(c, err, "status update failed")
		return
	}
	c.JSON(http.StatusOK, adminReviewFrom(review))
}

func (h *httpHandler) respondUpdateError(c *gin.Context, err error, logMessage string) {
	switch {
	case errors.Is(err, reviews.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(logMessage, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(reviewerClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func isValidationError(err error) bool {
	return errors.Is(err, reviews.ErrInvalidField) ||
		errors.Is(err, reviews.ErrInvalidPrefecture) ||
		errors.Is(err, reviews.ErrInvalidCategory) ||
		errors.Is(err, reviews.ErrInvalidStatus) ||
		errors.Is(err, reviews.ErrInvalidRewardStatus)
}

type reviewSummaryPayload struct {
	ID             string    `json:"id"`
	StoreName      string    `json:"storeName"`
	Prefecture     string    `json:"prefecture"`
	Category       string    `json:"category"`
	VisitedAt      string    `json:"visitedAt"`
	Age            int       `json:"age"`
	SpecScore      int       `json:"specScore"`
	WaitTimeHours  int       `json:"waitTimeHours"`
	AverageEarning int       `json:"averageEarning"`
	CreatedAt      time.Time `json:"createdAt"`
	HelpfulCount   int       `json:"helpfulCount,omitempty"`
	Excerpt        string    `json:"excerpt,omitempty"`
}

type reviewDetailPayload struct {
	reviewSummaryPayload
	Description       string `json:"description,omitempty"`
	AuthorDisplayName string `json:"authorDisplayName,omitempty"`
}

type storeSummaryPayload struct {
	StoreName      string `json:"storeName"`
	Prefecture     string `json:"prefecture"`
	Category       string `json:"category"`
	AverageEarning int    `json:"averageEarning"`
	WaitTimeHours  int    `json:"waitTimeHours"`
	ReviewCount    int    `json:"reviewCount"`
}

type adminReviewPayload struct {
	ID             string     `json:"id"`
	StoreName      string     `json:"storeName"`
	Prefecture     string     `json:"prefecture"`
	Category       string     `json:"category"`
	VisitedAt      string     `json:"visitedAt"`
	Age            int        `json:"age"`
	SpecScore      int        `json:"specScore"`
	WaitTimeHours  int        `json:"waitTimeHours"`
	AverageEarning int        `json:"averageEarning"`
	Comment        string     `json:"comment,omitempty"`
	Status         string     `json:"status"`
	StatusNote     string     `json:"statusNote,omitempty"`
	ReviewedBy     string     `json:"reviewedBy,omitempty"`
	ReviewedAt     *time.Time `json:"reviewedAt,omitempty"`
	RewardStatus   string     `json:"rewardStatus"`
	RewardNote     string     `json:"rewardNote,omitempty"`
	RewardSentAt   *time.Time `json:"rewardSentAt,omitempty"`
	ReviewerID     string     `json:"reviewerId,omitempty"`
	ReviewerName   string     `json:"reviewerName,omitempty"`
	ReviewerHandle string     `json:"reviewerHandle,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func summariesFrom(items []reviews.Review) []reviewSummaryPayload {
	payloads := make([]reviewSummaryPayload, 0, len(items))
	for _, review := range items {
		payloads = append(payloads, summaryFrom(review))
	}
	return payloads
}

func summaryFrom(review reviews.Review) reviewSummaryPayload {
	return reviewSummaryPayload{
		ID:             review.ID,
		StoreName:      review.StoreName,
		Prefecture:     review.Prefecture,
		Category:       review.Category,
		VisitedAt:      review.VisitedAt,
		Age:            review.Age,
		SpecScore:      review.SpecScore,
		WaitTimeHours:  review.WaitTimeHours,
		AverageEarning: review.AverageEarning,
		CreatedAt:      review.CreatedAt,
		HelpfulCount:   review.HelpfulCount,
		Excerpt:        excerpt(review.Comment),
	}
}

func excerpt(comment string) string {
	if utf8.RuneCountInString(comment) <= excerptRuneLimit {
		return comment
	}
	runes := []rune(comment)
	return string(runes[:excerptRuneLimit]) + "…"
}

func adminReviewFrom(review reviews.Review) adminReviewPayload {
	return adminReviewPayload{
		ID:             review.ID,
		StoreName:      review.StoreName,
		Prefecture:     review.Prefecture,
		Category:       review.Category,
		VisitedAt:      review.VisitedAt,
		Age:            review.Age,
		SpecScore:      review.SpecScore,
		WaitTimeHours:  review.WaitTimeHours,
		AverageEarning: review.AverageEarning,
		Comment:        review.Comment,
		Status:         review.Status,
		StatusNote:     review.StatusNote,
		ReviewedBy:     review.ReviewedBy,
		ReviewedAt:     review.ReviewedAt,
		RewardStatus:   review.RewardStatus,
		RewardNote:     review.RewardNote,
		RewardSentAt:   review.RewardSentAt,
		ReviewerID:     review.ReviewerID,
		ReviewerName:   review.ReviewerName,
		ReviewerHandle: review.ReviewerHandle,
		CreatedAt:      review.CreatedAt,
		UpdatedAt:      review.UpdatedAt,
	}
}
