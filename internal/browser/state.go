package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State persistence. The pool file carries every context's cookies and
// keepalive clock so a restart resumes warm; per-account files additionally
// survive pool-file corruption and are what a manual re-login writes.

const poolStateFile = "browser_pool_state.json"

type savedContext struct {
	Cookies         map[string]string `json:"cookies"`
	LastUsedAt      time.Time         `json:"last_used_at"`
	LastKeepaliveAt time.Time         `json:"last_keepalive_at"`
}

type poolState struct {
	SavedAt  time.Time               `json:"saved_at"`
	Contexts map[string]savedContext `json:"contexts"`
}

func accountStateFile(account string) string {
	return fmt.Sprintf("dianping_state_%s.json", account)
}

// SaveState writes the pool state file and one file per live context.
func (p *Pool) SaveState() error {
	if p.cfg.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	p.mu.Lock()
	state := poolState{SavedAt: time.Now(), Contexts: make(map[string]savedContext)}
	// Carry forward saved-but-not-yet-restored contexts too.
	for account, sc := range p.saved {
		state.Contexts[account] = sc
	}
	for account, bc := range p.contexts {
		state.Contexts[account] = savedContext{
			Cookies:         cloneCookies(bc.cookies),
			LastUsedAt:      bc.lastUsed,
			LastKeepaliveAt: bc.lastKeepalive,
		}
	}
	p.mu.Unlock()

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool state: %w", err)
	}
	path := filepath.Join(p.cfg.StateDir, poolStateFile)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write pool state: %w", err)
	}

	for account, sc := range state.Contexts {
		if err := p.saveAccountState(account, sc); err != nil {
			p.logger.Warn("save state for %s: %v", account, err)
		}
	}
	p.logger.Debug("saved pool state for %d contexts", len(state.Contexts))
	return nil
}

func (p *Pool) saveAccountState(account string, sc savedContext) error {
	payload, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.cfg.StateDir, accountStateFile(account)), payload, 0o644)
}

// LoadState reads a previous run's state. Contexts are not rebuilt eagerly;
// Acquire seeds each new context from the saved entry.
func (p *Pool) LoadState() error {
	if p.cfg.StateDir == "" {
		return nil
	}
	path := filepath.Join(p.cfg.StateDir, poolStateFile)
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pool state: %w", err)
	}
	var state poolState
	if err := json.Unmarshal(payload, &state); err != nil {
		return fmt.Errorf("decode pool state: %w", err)
	}

	p.mu.Lock()
	for account, sc := range state.Contexts {
		if len(sc.Cookies) == 0 {
			continue
		}
		p.saved[account] = sc
	}
	restored := len(p.saved)
	p.mu.Unlock()

	p.logger.Info("loaded pool state: %d contexts saved at %s",
		restored, state.SavedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// SavedCookies returns the saved cookie set for an account that has no live
// context yet, or nil.
func (p *Pool) SavedCookies(account string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sc, ok := p.saved[account]; ok {
		return cloneCookies(sc.Cookies)
	}
	return nil
}
