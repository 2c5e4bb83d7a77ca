package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy is one request budget. key derives the bucket from the request; an empty
// key falls back to the client address.
type ratePolicy struct {
	name   string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

var (
	// Reads of projects, run status and history.
	policyRead = ratePolicy{name: "read", limit: 240, window: time.Minute, key: actorKey}
	// Project create/delete and cancel.
	policyWrite = ratePolicy{name: "write", limit: 60, window: time.Minute, key: actorKey}
	// Each trigger dispatches work to the runner, so it is budgeted per actor and project.
	policyTrigger = ratePolicy{name: "trigger", limit: 12, window: time.Minute, key: actorProjectKey}
	policyStream  = ratePolicy{name: "stream", limit: 30, window: 30 * time.Second, key: actorKey}
	// Runners report every stage transition from a handful of hosts.
	policyRunner = ratePolicy{name: "runner_callback", limit: 1200, window: time.Minute, key: clientAddrKey}
)

var triggerActions = map[string]bool{"build": true, "deploy": true, "scan": true}

// limited enforces p in front of next.
func (r *Router) limited(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := p.key(req)
		if key == "" {
			key = clientAddrKey(req)
		}
		decision := r.limiter.Allow(p.name+"|"+key, p.limit, p.window)
		setRateHeaders(w, p.limit, decision)
		if !decision.allowed {
			r.metrics.recordRateLimitHit(p.name, keyClass(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// actorRoute authenticates the request, then charges it to the trigger, read or write
// budget.
func (r *Router) actorRoute(next http.HandlerFunc) http.HandlerFunc {
	read := r.limited(policyRead, next)
	write := r.limited(policyWrite, next)
	trigger := r.limited(policyTrigger, next)
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodGet || req.Method == http.MethodHead:
			read(w, req)
		case isTrigger(req):
			trigger(w, req)
		default:
			write(w, req)
		}
	})
}

// streamRoute authenticates a websocket or SSE subscription.
func (r *Router) streamRoute(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(policyStream, next))
}

func isTrigger(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	_, action := projectAction(req.URL.Path)
	return triggerActions[action]
}

// projectAction splits /projects/{id}/{action}.
func projectAction(path string) (projectID, action string) {
	rest, ok := strings.CutPrefix(path, "/projects/")
	if !ok {
		return "", ""
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func actorKey(req *http.Request) string {
	if actor, ok := actorFromContext(req.Context()); ok && actor.ID != "" {
		return "actor:" + actor.ID
	}
	return ""
}

func actorProjectKey(req *http.Request) string {
	key := actorKey(req)
	if key == "" {
		return ""
	}
	projectID, _ := projectAction(req.URL.Path)
	return key + "/project:" + projectID
}

func clientAddrKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// keyClass keeps metric labels bounded: "actor", "ip" or "unknown".
func keyClass(key string) string {
	if class, _, ok := strings.Cut(key, ":"); ok && class != "" {
		return class
	}
	return "unknown"
}

func setRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := max(limit-decision.count, 0)
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

const expiredSweepEvery = 5 * time.Minute

// memoryRateLimiter keeps fixed-window counters in process. Expired buckets are swept
// from Allow at most once per expiredSweepEvery.
type memoryRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]rateDecision
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]rateDecision), now: time.Now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(now)

	bucket, ok := rl.buckets[key]
	if !ok || now.After(bucket.windowEnd) {
		bucket = rateDecision{windowEnd: now.Add(window)}
	}
	bucket.allowed = bucket.count < limit
	if bucket.allowed {
		bucket.count++
	}
	rl.buckets[key] = bucket
	return bucket
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < expiredSweepEvery {
		return
	}
	rl.lastSweep = now
	for key, bucket := range rl.buckets {
		if now.After(bucket.windowEnd) {
			delete(rl.buckets, key)
		}
	}
}

// Close is a no-op; the limiter holds no background resources.
func (rl *memoryRateLimiter) Close() {}
