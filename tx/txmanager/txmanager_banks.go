package txmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/acid_bank/xa"
)

// Banks finds the resource manager of a bank. The returned release func
// must be called once the caller is done with the handle.
// *bankmgr.Directory is the production implementation.
type Banks interface {
	Acquire(ctx context.Context, bic string) (xa.ResourceManager, func(), error)
}

// StaticBanks is a fixed set of resource managers keyed by BIC, for
// embedding and tests.
type StaticBanks struct {
	mu  sync.RWMutex
	rms map[string]xa.ResourceManager
}

func NewStaticBanks(rms ...xa.ResourceManager) *StaticBanks {
	s := &StaticBanks{rms: make(map[string]xa.ResourceManager)}
	for _, rm := range rms {
		s.Add(rm)
	}
	return s
}

func (s *StaticBanks) Add(rm xa.ResourceManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rms[rm.Bank()] = rm
}

func (s *StaticBanks) Acquire(_ context.Context, bic string) (xa.ResourceManager, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.rms[bic]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBank, bic)
	}
	return rm, func() {}, nil
}

func (s *StaticBanks) Banks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rms))
	for bic := range s.rms {
		out = append(out, bic)
	}
	sort.Strings(out)
	return out
}
