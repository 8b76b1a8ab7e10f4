package calls

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Repository useful for tests and local demos.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	calls    map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions: map[string]Session{},
		calls:    map[string]Call{},
	}
}

func (r *MemoryRepo) CreateSession(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepo) GetSession(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) CreateCall(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetCall(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) FindByProviderCallID(ctx context.Context, provider, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Provider == provider && c.ProviderCallID != "" && c.ProviderCallID == providerCallID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (r *MemoryRepo) FindByCarrierSid(ctx context.Context, callSid string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found Call
		ok    bool
	)
	for _, c := range r.calls {
		if c.CarrierCallSid != "" && c.CarrierCallSid == callSid {
			if !ok || c.StartedAt.After(found.StartedAt) {
				found, ok = c, true
			}
		}
	}
	if !ok {
		return Call{}, ErrNotFound
	}
	return found, nil
}

// MutateCall holds the repo lock across read, fn and write.
func (r *MemoryRepo) MutateCall(ctx context.Context, id string, fn MutateFunc) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[id]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	next, ok := fn(cur)
	if !ok {
		return cur, false, nil
	}
	r.calls[id] = next
	if next.Status == StatusCompleted {
		if s, ok := r.sessions[next.SessionID]; ok {
			s.Status = SessionCompleted
			s.UpdatedAt = next.UpdatedAt
			r.sessions[next.SessionID] = s
		}
	}
	return next, true, nil
}

func (r *MemoryRepo) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[Status]int64{}
	for _, c := range r.calls {
		out[c.Status]++
	}
	return out, nil
}
