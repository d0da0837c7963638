package judge

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const rotateDebounce = 5 * time.Second

// KeyRotator cycles through a pool of API keys when the provider rate
// limits. Rotation is debounced so concurrent 429 responses from parallel
// judge calls advance the pool by at most one key.
type KeyRotator struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	keys       []string
	index      int
	lastRotate time.Time
}

func NewKeyRotator(keys []string, logger *slog.Logger) *KeyRotator {
	if logger == nil {
		logger = slog.Default()
	}
	filtered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			filtered = append(filtered, k)
		}
	}
	logger.Info("key rotator initialized", slog.Int("keys", len(filtered)))
	return &KeyRotator{
		logger: logger,
		now:    time.Now,
		keys:   filtered,
	}
}

// KeysFromEnv collects prefix, prefix_2 .. prefix_9 from the environment.
func KeysFromEnv(prefix string) []string {
	var keys []string
	if k := os.Getenv(prefix); k != "" {
		keys = append(keys, k)
	}
	for i := 2; i < 10; i++ {
		if k := os.Getenv(fmt.Sprintf("%s_%d", prefix, i)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (r *KeyRotator) CurrentKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[r.index%len(r.keys)]
}

func (r *KeyRotator) KeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Rotate advances to the next key and returns it. Calls within the debounce
// window return the current key unchanged.
func (r *KeyRotator) Rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) <= 1 {
		if len(r.keys) == 0 {
			return ""
		}
		return r.keys[r.index%len(r.keys)]
	}

	now := r.now()
	if now.Sub(r.lastRotate) < rotateDebounce {
		return r.keys[r.index%len(r.keys)]
	}
	old := r.index
	r.index = (r.index + 1) % len(r.keys)
	r.lastRotate = now
	r.logger.Warn("api key rotated",
		slog.Int("from", old+1),
		slog.Int("to", r.index+1),
		slog.Int("total", len(r.keys)),
	)
	return r.keys[r.index]
}
