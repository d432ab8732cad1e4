package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry реестр живых сессий, ключ - UUID сессии
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry создаёт пустой реестр
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

// NewSessionID генерирует идентификатор сессии
func NewSessionID() string {
	return uuid.New().String()
}

// Put регистрирует пайплайн; повторный id - ошибка
func (r *Registry) Put(p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipelines[p.Ctx.ID]; ok {
		return fmt.Errorf("session %s already exists", p.Ctx.ID)
	}
	r.pipelines[p.Ctx.ID] = p
	return nil
}

// Get возвращает пайплайн по id
func (r *Registry) Get(id string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// Remove снимает сессию с учёта (после Stop)
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, id)
}

// Len количество живых сессий
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipelines)
}
