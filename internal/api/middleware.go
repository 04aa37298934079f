package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/metrics"
	"github.com/klytics/sheetkit/internal/model"
)

// Context keys set by the middleware chain.
const (
	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	ctxRole      = "role"
	ctxToken     = "token"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ctxRequestID)))
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("panic serving request", zap.Any("panic", rec), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// limiter hands out one token bucket per client address.
type limiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*visitor
}

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

const (
	visitorIdle  = 10 * time.Minute
	visitorSweep = 10000
)

func newLimiter(rps float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{rps: rate.Limit(rps), burst: burst, clients: map[string]*visitor{}}
}

func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) >= visitorSweep {
		for k, v := range l.clients {
			if now.Sub(v.seen) > visitorIdle {
				delete(l.clients, k)
			}
		}
	}
	v, ok := l.clients[key]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = v
	}
	v.seen = now
	return v.bucket.AllowN(now, 1)
}

func rateLimit(l *limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.rps <= 0 {
			c.Next()
			return
		}
		if !l.allow(c.ClientIP(), time.Now()) {
			metrics.RateLimited()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if websocketUpgrade(c.Request) {
		return c.Query("token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (h *handler) authenticate(c *gin.Context) {
	token := bearer(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := h.Auth.ParseToken(token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Set(ctxUserID, claims.Subject)
	c.Set(ctxRole, claims.Role)
	c.Set(ctxToken, token)
	c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
	c.Next()
}

func (h *handler) requireAdmin(c *gin.Context) {
	if c.GetString(ctxRole) != string(model.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "administrator role required"})
		return
	}
	c.Next()
}

// requireWorkbook checks action against the :wb route parameter.
func (h *handler) requireWorkbook(action authz.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Authz.Require(c.Request.Context(), userID(c), c.Param("wb"), action); err != nil {
			h.respondError(c, err)
			return
		}
		c.Next()
	}
}

// feature names a route for usage tracking: "PUT /api/v1/workbooks/:wb/worksheets/:ws"
// becomes "workbooks.worksheets.put".
func feature(method, route string) string {
	var parts []string
	for _, seg := range strings.Split(strings.TrimPrefix(route, apiPrefix), "/") {
		if seg != "" && !strings.HasPrefix(seg, ":") {
			parts = append(parts, seg)
		}
	}
	return strings.Join(append(parts, strings.ToLower(method)), ".")
}

// track records usage for successful requests and audits mutating ones.
func (h *handler) track(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		return
	}
	uid, status := userID(c), c.Writer.Status()
	ctx := c.Request.Context()
	if status < 400 && h.Usage != nil {
		if err := h.Usage.Track(ctx, uid, feature(c.Request.Method, route), time.Since(start), ""); err != nil {
			h.log.Debug("usage tracking failed", zap.Error(err))
		}
	}
	if c.Request.Method != http.MethodGet && h.Audit != nil {
		resource := c.Param("wb")
		if resource == "" {
			resource = route
		}
		h.Audit.LogAuditEvent(ctx, uid, "api.request", resource,
			c.Request.Method+" "+route+" status="+strconv.Itoa(status))
	}
}

func userID(c *gin.Context) string { return c.GetString(ctxUserID) }
