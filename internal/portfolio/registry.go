package portfolio

import "sync"

// Registry holds one portfolio per actor. The onRegister hook is invoked
// exactly once per actor, outside the registry lock, when a portfolio first
// enters the registry; the engine uses it to start that actor's ticker.
type Registry struct {
	mu         sync.RWMutex
	portfolios map[string]*Portfolio
	onRegister func(*Portfolio)
}

// NewRegistry creates a Registry. onRegister may be nil.
func NewRegistry(onRegister func(*Portfolio)) *Registry {
	return &Registry{
		portfolios: make(map[string]*Portfolio),
		onRegister: onRegister,
	}
}

// Get returns the actor's portfolio if one is registered.
func (r *Registry) Get(actor string) (*Portfolio, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pf, ok := r.portfolios[actor]
	return pf, ok
}

// GetOrCreate returns the actor's portfolio, creating an empty one on first
// use.
func (r *Registry) GetOrCreate(actor string) *Portfolio {
	return r.Register(New(actor))
}

// Register adds a portfolio to the registry. When the actor already has a
// registered portfolio, the existing one wins and is returned; otherwise the
// given portfolio is stored and the onRegister hook fires.
func (r *Registry) Register(pf *Portfolio) *Portfolio {
	r.mu.Lock()
	if existing, ok := r.portfolios[pf.Actor()]; ok {
		r.mu.Unlock()
		return existing
	}
	r.portfolios[pf.Actor()] = pf
	r.mu.Unlock()

	if r.onRegister != nil {
		r.onRegister(pf)
	}
	return pf
}

// Actors returns the actors with a registered portfolio.
func (r *Registry) Actors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actors := make([]string, 0, len(r.portfolios))
	for actor := range r.portfolios {
		actors = append(actors, actor)
	}
	return actors
}
