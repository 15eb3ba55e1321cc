package notify

import (
	"sort"
	"sync"

	"geopresence/internal/metrics"
)

// PruneThreshold is the consecutive-failure count at which a token is
// removed from the registry.
const PruneThreshold = 5

// Registry owns per-recipient delivery-token sets. Tokens are deduplicated
// per recipient; a token accumulating PruneThreshold consecutive delivery
// failures is pruned, and any success resets its counter.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]map[string]int // recipient -> token -> consecutive failures
}

func NewRegistry() *Registry {
	return &Registry{tokens: map[string]map[string]int{}}
}

func (r *Registry) Register(recipientID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[recipientID] == nil {
		r.tokens[recipientID] = map[string]int{}
	}
	if _, ok := r.tokens[recipientID][token]; !ok {
		r.tokens[recipientID][token] = 0
	}
}

func (r *Registry) Unregister(recipientID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens[recipientID], token)
	if len(r.tokens[recipientID]) == 0 {
		delete(r.tokens, recipientID)
	}
}

// Tokens returns the recipient's tokens in stable order.
func (r *Registry) Tokens(recipientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for t := range r.tokens[recipientID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RecordSuccess clears the token's failure counter.
func (r *Registry) RecordSuccess(recipientID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.tokens[recipientID]; m != nil {
		if _, ok := m[token]; ok {
			m[token] = 0
		}
	}
}

// RecordFailure bumps the token's consecutive-failure counter and prunes it
// once the threshold is reached. Returns true if the token was pruned.
func (r *Registry) RecordFailure(recipientID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.tokens[recipientID]
	if m == nil {
		return false
	}
	n, ok := m[token]
	if !ok {
		return false
	}
	n++
	if n >= PruneThreshold {
		delete(m, token)
		if len(m) == 0 {
			delete(r.tokens, recipientID)
		}
		metrics.TokensPruned.Inc()
		return true
	}
	m[token] = n
	return false
}
