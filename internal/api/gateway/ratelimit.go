// Package gateway provides per-tenant rate limiting for the ATT&CK API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ilminate/apex-attack/internal/observability"
)

const keyPrefix = "apex-attack:ratelimit"

// windowScript increments a fixed one-minute counter.
var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter enforces tier limits with a shared Redis window. When Redis is
// absent or failing, each process enforces a local token bucket instead.
type RateLimiter struct {
	redis       *redis.Client
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map // tier:client:endpoint -> *rate.Limiter
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Enabled        bool                      `yaml:"enabled"`
	DefaultTier    string                    `yaml:"default_tier"`
	Tiers          map[string]TierLimits     `yaml:"tiers"`
	Endpoints      map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders bool                      `yaml:"include_headers"`
}

// TierLimits defines limits for one tenant tier.
type TierLimits struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// EndpointLimits tightens limits for an expensive route.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Backend    string // redis or local
}

// NewRateLimiter creates a limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, metrics *observability.Metrics, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "basic"
	}

	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// DefaultTiers returns the tenant tiers.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"basic": {
			RequestsPerSecond: 5,
			RequestsPerMinute: 120,
			BurstSize:         10,
		},
		"professional": {
			RequestsPerSecond: 20,
			RequestsPerMinute: 600,
			BurstSize:         40,
		},
		"enterprise": {
			RequestsPerSecond: 50,
			RequestsPerMinute: 2000,
			BurstSize:         100,
		},
	}
}

// DefaultEndpointLimits returns limits for routes that scan the event table
// or run the mapper.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"GET:/api/v1/attack/layer": {
			Path:              "/api/v1/attack/layer",
			Method:            http.MethodGet,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		"GET:/api/v1/attack/matrix": {
			Path:              "/api/v1/attack/matrix",
			Method:            http.MethodGet,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		"GET:/api/v1/attack/top": {
			Path:              "/api/v1/attack/top",
			Method:            http.MethodGet,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		"POST:/api/v1/attack/map": {
			Path:              "/api/v1/attack/map",
			Method:            http.MethodPost,
			RequestsPerSecond: 10,
			RequestsPerMinute: 300,
			CostMultiplier:    2,
		},
	}
}

// Check counts one request for clientID against the tier and endpoint limits.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *RateLimitResult {
	tier = rl.resolveTier(tier)
	limits := rl.effectiveLimits(rl.config.Tiers[tier], rl.endpointLimits(endpoint, method))

	if rl.redis != nil {
		result, err := rl.checkRedis(ctx, tier, clientID, endpoint, limits)
		if err == nil {
			return result
		}
		rl.logger.Warn("Redis rate limit check failed, using local limiter",
			zap.String("tier", tier),
			zap.Error(err),
		)
	}

	return rl.checkLocal(tier, clientID, endpoint, limits)
}

func (rl *RateLimiter) checkRedis(ctx context.Context, tier, clientID, endpoint string, limits TierLimits) (*RateLimitResult, error) {
	key := fmt.Sprintf("%s:%s:%s:%s:minute", keyPrefix, tier, clientID, endpoint)

	count, err := windowScript.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   count <= limits.RequestsPerMinute,
		Remaining: max(limits.RequestsPerMinute-count, 0),
		Limit:     limits.RequestsPerMinute,
		ResetAt:   rl.now().Add(ttl),
		Tier:      tier,
		Backend:   "redis",
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

func (rl *RateLimiter) checkLocal(tier, clientID, endpoint string, limits TierLimits) *RateLimitResult {
	key := tier + ":" + clientID + ":" + endpoint
	perSecond := rate.Limit(float64(limits.RequestsPerMinute) / 60)
	if limits.RequestsPerSecond > 0 && float64(limits.RequestsPerSecond) < float64(perSecond) {
		perSecond = rate.Limit(limits.RequestsPerSecond)
	}
	burst := max(limits.BurstSize, 1)

	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(perSecond, burst))
	limiter := v.(*rate.Limiter)

	now := rl.now()
	res := limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	allowed := res.OK() && delay == 0
	if !allowed {
		res.CancelAt(now)
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(int(limiter.TokensAt(now)), 0),
		Limit:     burst,
		ResetAt:   now.Add(delay),
		Tier:      tier,
		Backend:   "local",
	}
	if !allowed {
		result.RetryAfter = max(delay, time.Second)
	}
	return result
}

func (rl *RateLimiter) resolveTier(tier string) string {
	if _, ok := rl.config.Tiers[tier]; ok {
		return tier
	}
	return rl.config.DefaultTier
}

func (rl *RateLimiter) endpointLimits(endpoint, method string) *EndpointLimits {
	key := strings.ToUpper(method) + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) effectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	effective := tier
	if effective.RequestsPerMinute <= 0 {
		effective.RequestsPerMinute = 60
	}
	if endpoint == nil {
		return effective
	}
	if endpoint.RequestsPerSecond > 0 && (effective.RequestsPerSecond == 0 || endpoint.RequestsPerSecond < effective.RequestsPerSecond) {
		effective.RequestsPerSecond = endpoint.RequestsPerSecond
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < effective.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerSecond = max(effective.RequestsPerSecond/endpoint.CostMultiplier, 1)
		effective.RequestsPerMinute = max(effective.RequestsPerMinute/endpoint.CostMultiplier, 1)
	}
	return effective
}

// Middleware rejects requests over their tenant's limit with 429.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			clientID := getClientID(r)
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result := rl.Check(r.Context(), getTier(r), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.metrics.ObserveRateLimited(result.Tier)
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"tier":        result.Tier,
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
