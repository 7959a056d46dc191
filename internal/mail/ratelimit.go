package mail

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/storage"
)

// Per-endpoint request budgets, tokens per minute. Burst equals the budget,
// so an idle agent can spend a full minute's allowance at once.
var endpointLimits = map[string]int{
	"send":             30,
	"inbox":            60,
	"read_message":     120,
	"summarize_thread": 10,
	"reserve":          30,
	"release":          30,
}

// defaultLimit applies to endpoints without an explicit budget.
const defaultLimit = 60

// bucketPersistGrace bounds how stale a persisted bucket may be before it is
// discarded and the limiter starts full.
const bucketPersistGrace = 5 * time.Minute

// Limiter enforces per-(agent, endpoint) token buckets. Buckets live in
// memory; token counts are persisted to the rate_limits table so limits
// survive a restart within the grace window.
type Limiter struct {
	db       *storage.DB
	disabled bool

	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

type bucketKey struct {
	agent    string
	endpoint string
}

// NewLimiter creates a limiter over the project database.
func NewLimiter(db *storage.DB, disabled bool) *Limiter {
	return &Limiter{
		db:       db,
		disabled: disabled,
		buckets:  make(map[bucketKey]*rate.Limiter),
	}
}

// Allow consumes one token for (agent, endpoint). On exhaustion it returns a
// *errs.RateLimitError carrying the earliest retry time.
func (l *Limiter) Allow(agent, endpoint string) error {
	if l.disabled {
		return nil
	}

	limit := endpointLimits[endpoint]
	if limit == 0 {
		limit = defaultLimit
	}

	l.mu.Lock()
	key := bucketKey{agent: agent, endpoint: endpoint}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = l.restoreBucket(key, limit)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		perToken := time.Duration(float64(time.Minute) / float64(limit))
		return &errs.RateLimitError{
			Endpoint:  endpoint,
			Agent:     agent,
			Remaining: 0,
			ResetAt:   time.Now().Add(perToken),
		}
	}

	l.persistBucket(key, bucket)
	return nil
}

// restoreBucket builds the in-memory bucket, seeding it from a persisted
// token count when one is fresh enough. Called with l.mu held.
func (l *Limiter) restoreBucket(key bucketKey, limit int) *rate.Limiter {
	bucket := rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)

	var (
		tokens    float64
		updatedAt int64
	)
	err := l.db.QueryRow(`
		SELECT tokens, updated_at FROM rate_limits
		WHERE project_key = ? AND agent = ? AND endpoint = ?`,
		l.db.ProjectKey, key.agent, key.endpoint,
	).Scan(&tokens, &updatedAt)
	if err != nil {
		return bucket // no persisted state, start full
	}
	if time.Since(time.UnixMilli(updatedAt)) > bucketPersistGrace {
		return bucket
	}

	// Drain down to the persisted level. Refill since updated_at is
	// handled by the limiter's own clock arithmetic once drained.
	deficit := int(math.Floor(float64(limit) - tokens))
	if deficit > 0 {
		bucket.AllowN(time.UnixMilli(updatedAt), deficit)
	}
	return bucket
}

// persistBucket writes the bucket's current token count, best effort. The
// write is outside any event transaction; losing it only makes the limiter
// slightly more permissive after a crash.
func (l *Limiter) persistBucket(key bucketKey, bucket *rate.Limiter) {
	_, _ = l.db.Exec(`
		INSERT INTO rate_limits (project_key, agent, endpoint, tokens, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_key, agent, endpoint) DO UPDATE SET
			tokens = excluded.tokens,
			updated_at = excluded.updated_at`,
		l.db.ProjectKey, key.agent, key.endpoint, bucket.Tokens(), time.Now().UnixMilli())
}
