package retry

import (
	"slices"
	"strings"
	"sync"

	"github.com/shaiso/procorch/internal/domain"
)

// Registry хранит breaker'ы по ключу.
//
// Живёт дольше одного run: состояние breaker'а внешней зависимости
// переносится между запусками процессов.
type Registry struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry создаёт пустой реестр с общими настройками breaker'ов.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get возвращает breaker для ключа, создавая его при первом обращении.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, r.cfg)
	r.breakers[key] = b
	return b
}

// Snapshot возвращает состояние всех breaker'ов, отсортированное по ключу.
func (r *Registry) Snapshot() []domain.BreakerSnapshot {
	r.mu.RLock()
	out := make([]domain.BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.BreakerSnapshot) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
