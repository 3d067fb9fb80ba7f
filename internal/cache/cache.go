package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/A3S-Lab/DocuemntParser/internal/domain"
)

const (
	// Default settings
	defaultShardCount      = 16
	defaultTTL             = 5 * time.Second
	defaultCleanupInterval = 1 * time.Minute
)

// snapshotEntry is one cached task snapshot with expiration
type snapshotEntry struct {
	task      *domain.Task
	expiresAt time.Time
}

func (e *snapshotEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// snapshotShard is a single shard with its own lock
type snapshotShard struct {
	mu      sync.RWMutex
	entries map[string]*snapshotEntry
}

// SnapshotCache is a thread-safe sharded cache of task status snapshots.
// It sits in front of the progress store for the read-only HTTP surface;
// snapshots are short-lived, so a slightly stale status is acceptable.
type SnapshotCache struct {
	shards     []*snapshotShard
	shardCount int
	ttl        time.Duration

	cleanupInterval time.Duration
	cleanupRunning  bool
	cleanupMu       sync.Mutex
	cleanupStop     chan struct{}
	cleanupWg       sync.WaitGroup
}

// NewSnapshotCache creates a sharded snapshot cache. ttl is in seconds;
// non-positive values fall back to the default.
func NewSnapshotCache(shardCount int, ttl int) *SnapshotCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}

	ttlDuration := time.Duration(ttl) * time.Second
	if ttlDuration <= 0 {
		ttlDuration = defaultTTL
	}

	shards := make([]*snapshotShard, shardCount)
	for i := range shards {
		shards[i] = &snapshotShard{
			entries: make(map[string]*snapshotEntry),
		}
	}

	return &SnapshotCache{
		shards:          shards,
		shardCount:      shardCount,
		ttl:             ttlDuration,
		cleanupInterval: defaultCleanupInterval,
		cleanupStop:     make(chan struct{}),
	}
}

// getShard returns the shard for a given task ID using FNV hash
func (c *SnapshotCache) getShard(taskID string) *snapshotShard {
	hash := fnv.New32a()
	hash.Write([]byte(taskID))
	return c.shards[hash.Sum32()%uint32(c.shardCount)]
}

// Get retrieves a cached snapshot for a task
func (c *SnapshotCache) Get(taskID string) (*domain.Task, bool) {
	shard := c.getShard(taskID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, exists := shard.entries[taskID]
	if !exists || entry.expired() {
		return nil, false
	}
	return entry.task, true
}

// Set stores a snapshot for a task
func (c *SnapshotCache) Set(taskID string, task *domain.Task) {
	shard := c.getShard(taskID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.entries[taskID] = &snapshotEntry{
		task:      task,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a task's snapshot, e.g. after cancel or delete
func (c *SnapshotCache) Invalidate(taskID string) {
	shard := c.getShard(taskID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.entries, taskID)
}

// CleanExpired removes all expired snapshots
func (c *SnapshotCache) CleanExpired() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for taskID, entry := range shard.entries {
			if entry.expired() {
				delete(shard.entries, taskID)
			}
		}
		shard.mu.Unlock()
	}
}

// StartCleanupWorker starts a background goroutine that periodically
// removes expired snapshots
func (c *SnapshotCache) StartCleanupWorker() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	if c.cleanupRunning {
		return // Already running
	}

	c.cleanupRunning = true
	c.cleanupStop = make(chan struct{})

	c.cleanupWg.Add(1)
	go c.cleanupWorker()
}

// StopCleanupWorker stops the background cleanup worker gracefully
func (c *SnapshotCache) StopCleanupWorker() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	if !c.cleanupRunning {
		return // Not running
	}

	close(c.cleanupStop)
	c.cleanupWg.Wait()
	c.cleanupRunning = false
}

func (c *SnapshotCache) cleanupWorker() {
	defer c.cleanupWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cleanupStop:
			c.CleanExpired()
			return
		case <-ticker.C:
			c.CleanExpired()
		}
	}
}

// Len returns the total number of cached snapshots across all shards
func (c *SnapshotCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
