package dispatch

import (
	"context"
	"sync"
)

// Pool runs one worker per session and keeps them addressable by session id
type Pool struct {
	dispatcher Dispatcher
	cfg        Config
	opts       []Option

	mu      sync.RWMutex
	workers map[string]*Worker
	wg      sync.WaitGroup
}

// NewPool creates a pool whose workers share dispatcher, cfg and opts
func NewPool(dispatcher Dispatcher, cfg Config, opts ...Option) *Pool {
	return &Pool{
		dispatcher: dispatcher,
		cfg:        cfg,
		opts:       opts,
		workers:    make(map[string]*Worker),
	}
}

// Start launches a worker for session unless one is already running for its id.
// The worker exits when the session ends or ctx is cancelled.
func (p *Pool) Start(ctx context.Context, session Session) *Worker {
	id := session.ID()

	p.mu.Lock()
	if w, exists := p.workers[id]; exists && w.session == session {
		p.mu.Unlock()
		return w
	}
	w := NewWorker(session, p.dispatcher, p.cfg, p.opts...)
	p.workers[id] = w
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_ = w.Run(ctx)

		p.mu.Lock()
		if p.workers[id] == w {
			delete(p.workers, id)
		}
		p.mu.Unlock()
	}()

	return w
}

// Stats returns the stats of the worker serving sessionID
func (p *Pool) Stats(sessionID string) (Stats, bool) {
	p.mu.RLock()
	w, exists := p.workers[sessionID]
	p.mu.RUnlock()
	if !exists {
		return Stats{}, false
	}
	return w.Stats(), true
}

// Len returns the number of running workers
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Wait blocks until every started worker has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}
