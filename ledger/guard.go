package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConflictError is returned by Guard.Acquire when another run already holds
// the (source, operation) slot. RunID identifies the surviving run.
type ConflictError struct {
	Source    string
	Operation string
	RunID     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync already running for %s/%s (run %d)", e.Source, e.Operation, e.RunID)
}

// GuardConfig tunes the concurrency guard.
type GuardConfig struct {
	// RedisAddr enables the optional cross-process fast path. Empty
	// disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LeaseTTL bounds how long a crashed process can hold the redis lock.
	LeaseTTL time.Duration

	// RecheckWindow is how far back the post-insert sibling re-check looks.
	RecheckWindow time.Duration
}

// Guard prevents two runs for the same (source, operation) from executing
// concurrently. It is layered: an in-process map as the cheap first check,
// an optional redis lease for the cross-process fast path, and finally the
// ledger insert plus a sibling re-check, which is authoritative. The ledger
// table's partial unique index on running rows backs the whole thing up.
type Guard struct {
	store  *Store
	redis  *redis.Client
	config GuardConfig

	mu     sync.Mutex
	active map[string]int64
}

// NewGuard builds a guard over the given ledger store.
func NewGuard(store *Store, config GuardConfig) (*Guard, error) {
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = time.Hour
	}
	if config.RecheckWindow <= 0 {
		config.RecheckWindow = 5 * time.Second
	}

	g := &Guard{
		store:  store,
		config: config,
		active: make(map[string]int64),
	}

	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %v", err)
		}
		g.redis = client
	}

	return g, nil
}

func guardKey(source, operation string) string {
	return source + "/" + operation
}

// conflictsWith reports whether two operations of the same source exclude
// each other: the aggregate operation conflicts with everything, an
// individual operation conflicts with itself and with the aggregate.
func conflictsWith(requested, active string) bool {
	return requested == OperationAll || active == OperationAll || requested == active
}

// Acquire registers a new running ledger row for (source, operation) and
// returns its id. configuration is recorded on the row. On conflict the
// caller gets a ConflictError naming the surviving run; if this acquirer
// lost a race after inserting, its own row is marked failed first.
func (g *Guard) Acquire(ctx context.Context, source, operation string, configuration map[string]interface{}) (int64, error) {
	key := guardKey(source, operation)

	// Fast in-process check. Reserve the slot so concurrent local callers
	// fail here instead of racing to the ledger.
	g.mu.Lock()
	for activeKey, runID := range g.active {
		activeSource, activeOp, ok := splitGuardKey(activeKey)
		if !ok || activeSource != source {
			continue
		}
		if conflictsWith(operation, activeOp) {
			g.mu.Unlock()
			return 0, &ConflictError{Source: source, Operation: operation, RunID: runID}
		}
	}
	g.active[key] = 0 // reserved, run id filled in below
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		delete(g.active, key)
		g.mu.Unlock()
	}

	// Optional redis lease: cheap cross-process rejection for the common
	// same-operation case. The aggregate/individual interplay is left to
	// the ledger re-check, which is authoritative.
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, "crmsync:guard:"+key, time.Now().UTC().Format(time.RFC3339), g.config.LeaseTTL).Result()
		if err != nil {
			log.Printf("Guard: redis fast path unavailable, falling back to ledger check: %v", err)
		} else if !ok {
			release()
			return 0, &ConflictError{Source: source, Operation: operation}
		}
	}

	runID, err := g.store.Create(ctx, source, operation, configuration)
	if err != nil {
		g.releaseRedis(ctx, key)
		release()
		if errors.Is(err, ErrDuplicateRunning) {
			winner := g.findWinner(ctx, source, operation, 0)
			return 0, &ConflictError{Source: source, Operation: operation, RunID: winner}
		}
		return 0, err
	}

	// Re-check for siblings that slipped past the fast checks from another
	// process. The earliest row wins; any later row is the duplicate.
	siblings, err := g.store.FindRunning(ctx, source)
	if err != nil {
		log.Printf("Guard: sibling re-check failed for %s/%s: %v", source, operation, err)
	} else {
		for _, sibling := range siblings {
			if sibling.ID == runID || !conflictsWith(operation, sibling.Operation) {
				continue
			}
			if sibling.ID < runID {
				msg := fmt.Sprintf("concurrency conflict: run %d already running for %s/%s", sibling.ID, source, sibling.Operation)
				if err := g.store.MarkFailed(ctx, runID, msg); err != nil {
					log.Printf("Guard: failed to mark duplicate run %d: %v", runID, err)
				}
				g.releaseRedis(ctx, key)
				release()
				return 0, &ConflictError{Source: source, Operation: operation, RunID: sibling.ID}
			}
		}
	}

	g.mu.Lock()
	g.active[key] = runID
	g.mu.Unlock()
	return runID, nil
}

// Release frees the in-process and redis slots for (source, operation).
// The ledger row itself is completed by the run, not by the guard.
func (g *Guard) Release(ctx context.Context, source, operation string) {
	key := guardKey(source, operation)
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
	g.releaseRedis(ctx, key)
}

func (g *Guard) releaseRedis(ctx context.Context, key string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Del(ctx, "crmsync:guard:"+key).Err(); err != nil {
		log.Printf("Guard: failed to release redis lease %s: %v", key, err)
	}
}

// findWinner looks up the conflicting running row, best effort.
func (g *Guard) findWinner(ctx context.Context, source, operation string, exclude int64) int64 {
	running, err := g.store.FindRunning(ctx, source)
	if err != nil {
		return 0
	}
	for _, run := range running {
		if run.ID != exclude && conflictsWith(operation, run.Operation) {
			return run.ID
		}
	}
	return 0
}

func splitGuardKey(key string) (source, operation string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// Close releases the redis connection if one was configured.
func (g *Guard) Close() error {
	if g.redis != nil {
		return g.redis.Close()
	}
	return nil
}
