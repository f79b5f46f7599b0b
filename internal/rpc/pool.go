package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/pl"
)

// Pool hands out engine sessions with the language handler installed. A session is
// used by one request at a time and keeps its compiled procedures between requests.
type Pool struct {
	db     *db.DB
	engCfg engine.Config
	plCfg  pl.Config

	idle chan *engine.Session
	sem  chan struct{} // one slot per open session

	mu     sync.Mutex
	all    []*engine.Session
	closed bool
}

// NewPool returns a pool opening at most size sessions on database.
func NewPool(database *db.DB, size int, engCfg engine.Config, plCfg pl.Config) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		db:     database,
		engCfg: engCfg,
		plCfg:  plCfg,
		idle:   make(chan *engine.Session, size),
		sem:    make(chan struct{}, size),
	}
}

// Acquire returns an idle session, opening a new one while below the size limit.
func (p *Pool) Acquire(ctx context.Context) (*engine.Session, error) {
	select {
	case s := <-p.idle:
		return s, nil
	default:
	}
	select {
	case s := <-p.idle:
		return s, nil
	case p.sem <- struct{}{}:
		s, err := p.open(ctx)
		if err != nil {
			<-p.sem
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) open(ctx context.Context) (*engine.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("session pool is closed")
	}
	s, err := engine.Open(ctx, p.db, p.engCfg)
	if err != nil {
		return nil, err
	}
	pl.Install(s, p.plCfg)
	p.all = append(p.all, s)
	log.Debug("rpc session opened", "session", s.ID(), "open", len(p.all))
	return s, nil
}

// Release returns s to the pool.
func (p *Pool) Release(s *engine.Session) {
	p.idle <- s
}

// Close closes every session. Sessions still in use are closed too, so callers stop
// serving before closing the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	for _, s := range p.all {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.all = nil
	return firstErr
}
