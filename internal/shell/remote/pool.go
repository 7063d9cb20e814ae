package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/keel/internal/core/crypto"
	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/imageplan"
)

// Pool caches one executor per server. Executors are created lazily.
type Pool struct {
	executors     map[int64]Executor // server ID -> executor
	encryptionKey []byte             // decrypts stored SSH private keys
	config        SSHConfig
	mu            sync.RWMutex
}

// NewPool creates a pool. encryptionKey opens Server.PrivateKeyEncrypted.
func NewPool(encryptionKey []byte, config SSHConfig) *Pool {
	return &Pool{
		executors:     make(map[int64]Executor),
		encryptionKey: encryptionKey,
		config:        config,
	}
}

// Get returns the executor for server, creating it on first use.
func (p *Pool) Get(server *domain.Server) (Executor, error) {
	// Fast path: check if executor exists
	p.mu.RLock()
	ex, ok := p.executors[server.ID]
	p.mu.RUnlock()
	if ok {
		return ex, nil
	}

	// Slow path: create executor
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if ex, ok := p.executors[server.ID]; ok {
		return ex, nil
	}

	ex, err := p.newExecutor(server)
	if err != nil {
		return nil, err
	}
	p.executors[server.ID] = ex
	return ex, nil
}

func (p *Pool) newExecutor(server *domain.Server) (Executor, error) {
	if server.IsLocal() {
		return &LocalExecutor{Name: server.Name, Timeout: server.CommandTimeout()}, nil
	}
	if len(server.PrivateKeyEncrypted) == 0 {
		return nil, NewExecError("connect", server.Name, "", 0, "", ErrNoCredentials)
	}
	signer, err := crypto.OpenServerKey(server.PrivateKeyEncrypted, p.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("open SSH key of server %s: %w", server.Name, err)
	}
	cfg := p.config
	cfg.CommandTimeout = server.CommandTimeout()
	return NewSSHExecutor(server, signer, cfg), nil
}

// Put registers an executor for a server, replacing any cached one.
func (p *Pool) Put(serverID int64, ex Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.executors[serverID]; ok && old != ex {
		old.Close()
	}
	p.executors[serverID] = ex
}

// Remove closes and forgets the executor of a server, so the next Get
// reconnects with fresh settings.
func (p *Pool) Remove(serverID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ex, ok := p.executors[serverID]
	if !ok {
		return nil
	}
	delete(p.executors, serverID)
	return ex.Close()
}

// CloseAll closes every executor.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, ex := range p.executors {
		if err := ex.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close executor for server %d: %w", id, err)
		}
		delete(p.executors, id)
	}
	return firstErr
}

// Count returns the number of cached executors.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.executors)
}

// Ping checks that the server answers and its Docker daemon runs.
// It returns the Docker server version.
func (p *Pool) Ping(ctx context.Context, server *domain.Server) (string, error) {
	ex, err := p.Get(server)
	if err != nil {
		return "", err
	}
	probe := imageplan.VersionProbe()
	probe.IgnoreErrors = false
	res, err := ex.Run(ctx, probe, "")
	if err != nil {
		return "", err
	}
	return res.Output(), nil
}
