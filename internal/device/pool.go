package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"zk-bridge/internal/models"
)

// Session is one live connection to a terminal
type Session struct {
	Addr           string
	Protocol       models.Protocol
	ConnectTimeout time.Duration
	OpenedAt       time.Time
	Terminal
}

// SessionInfo describes a registered session for status reports
type SessionInfo struct {
	Addr     string          `json:"device"`
	Protocol models.Protocol `json:"protocol"`
	OpenedAt time.Time       `json:"openedAt"`
}

// Pool is the registry of live terminal sessions keyed by host:port.
// At most one session exists per key; concurrent Acquire calls for the same key and
// protocol share one dial.
type Pool struct {
	dial   DialFunc
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	dials    singleflight.Group
}

// NewPool creates an empty session registry
func NewPool(dial DialFunc, logger *zap.Logger) *Pool {
	return &Pool{
		dial:     dial,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the live session for addr, dialing a new one when none is usable
func (p *Pool) Acquire(ctx context.Context, addr string, protocol models.Protocol, timeout time.Duration) (*Session, error) {
	if s := p.reusable(addr, protocol); s != nil {
		return s, nil
	}

	v, err, _ := p.dials.Do(addr+"|"+string(protocol), func() (any, error) {
		// a concurrent caller may have finished dialing while we waited
		if s := p.reusable(addr, protocol); s != nil {
			return s, nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		t, err := p.dial(dialCtx, addr, protocol, timeout)
		if err != nil {
			p.logger.Warn("device connect failed",
				zap.String("device", addr),
				zap.String("protocol", string(protocol)),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return nil, err
		}

		s := &Session{
			Addr:           addr,
			Protocol:       protocol,
			ConnectTimeout: timeout,
			OpenedAt:       time.Now(),
			Terminal:       t,
		}
		p.mu.Lock()
		prev := p.sessions[addr]
		p.sessions[addr] = s
		p.mu.Unlock()
		// a dial for another protocol raced this one
		if prev != nil {
			p.closeSession(prev)
		}

		p.logger.Info("device connected",
			zap.String("device", addr),
			zap.String("protocol", string(protocol)),
			zap.Duration("elapsed", time.Since(start)))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// reusable returns the registered session for addr if it can serve protocol,
// discarding a stale one.
func (p *Pool) reusable(addr string, protocol models.Protocol) *Session {
	p.mu.Lock()
	s, ok := p.sessions[addr]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if s.Connected() && s.Protocol == protocol {
		p.mu.Unlock()
		return s
	}
	delete(p.sessions, addr)
	p.mu.Unlock()

	p.closeSession(s)
	return nil
}

// Release closes and forgets the session for addr. Unknown addresses are ignored.
func (p *Pool) Release(addr string) {
	p.mu.Lock()
	s, ok := p.sessions[addr]
	delete(p.sessions, addr)
	p.mu.Unlock()

	if ok {
		p.closeSession(s)
	}
}

// CloseAll closes every tracked session. In-flight commands are not interrupted.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		p.closeSession(s)
	}
	if len(sessions) > 0 {
		p.logger.Info("closed device sessions", zap.Int("count", len(sessions)))
	}
}

// Active returns the number of tracked sessions
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Sessions lists the registered sessions ordered by address
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, SessionInfo{Addr: s.Addr, Protocol: s.Protocol, OpenedAt: s.OpenedAt})
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return infos
}

func (p *Pool) closeSession(s *Session) {
	if err := s.Close(); err != nil {
		p.logger.Debug("device disconnect", zap.String("device", s.Addr), zap.Error(err))
		return
	}
	p.logger.Debug("device disconnected", zap.String("device", s.Addr))
}
