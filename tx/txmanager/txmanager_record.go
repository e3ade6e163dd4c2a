package txmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/acid_bank/xa"
	"go.uber.org/zap"
)

type branch struct {
	bank  string
	rm    xa.ResourceManager
	xid   xa.Xid
	state xa.BranchState
}

// globalTx is the coordinator's record of one transfer. It only lives for
// the duration of Transfer and is never persisted.
type globalTx struct {
	mu       sync.Mutex
	id       string
	req      TransferRequest
	state    xa.GlobalState
	branches [2]*branch
	started  time.Time
	lg       *zap.Logger
}

func newGlobalTx(from, to xa.Xid, req TransferRequest, fromRM, toRM xa.ResourceManager, lg *zap.Logger) *globalTx {
	return &globalTx{
		id:    from.Global(),
		req:   req,
		state: xa.GlobalInProgress,
		branches: [2]*branch{
			{bank: req.FromBank, rm: fromRM, xid: from, state: xa.BranchCreated},
			{bank: req.ToBank, rm: toRM, xid: to, state: xa.BranchCreated},
		},
		started: time.Now(),
		lg:      lg.With(zap.String("xid", from.Global())),
	}
}

func (g *globalTx) from() *branch { return g.branches[0] }
func (g *globalTx) to() *branch   { return g.branches[1] }

// move advances b; an illegal move is a coordinator bug.
func (g *globalTx) move(b *branch, to xa.BranchState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !b.state.CanTransition(to) {
		g.lg.DPanic("illegal branch transition", zap.String("bank", b.bank),
			zap.Stringer("from", b.state), zap.Stringer("to", to))
		return
	}
	b.state = to
}

func (g *globalTx) stateOf(b *branch) xa.BranchState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return b.state
}

func (g *globalTx) setState(to xa.GlobalState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.CanTransition(to) {
		g.lg.DPanic("illegal global transition", zap.Stringer("from", g.state), zap.Stringer("to", to))
		return
	}
	g.state = to
	g.lg.Debug("global transaction state", zap.Stringer("state", to))
}

// BranchInfo and TxInfo are read-only views for the query endpoint.
type BranchInfo struct {
	Bank  string         `json:"bank"`
	Xid   string         `json:"xid"`
	State xa.BranchState `json:"state"`
}

type TxInfo struct {
	Xid      string          `json:"xid"`
	State    xa.GlobalState  `json:"state"`
	Request  TransferRequest `json:"request"`
	Branches []BranchInfo    `json:"branches"`
	Started  time.Time       `json:"started"`
}

func (g *globalTx) info() TxInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	ti := TxInfo{Xid: g.id, State: g.state, Request: g.req, Started: g.started}
	for _, b := range g.branches {
		ti.Branches = append(ti.Branches, BranchInfo{Bank: b.bank, Xid: b.xid.String(), State: b.state})
	}
	return ti
}

func (c *Coordinator) track(g *globalTx) {
	c.mu.Lock()
	c.pending[g.id] = g
	c.mu.Unlock()
	c.metrics.InFlight.Inc()
}

func (c *Coordinator) untrack(g *globalTx) {
	c.mu.Lock()
	delete(c.pending, g.id)
	c.mu.Unlock()
	c.metrics.InFlight.Dec()
}

// InFlight lists the transfers currently running, oldest first.
func (c *Coordinator) InFlight() []TxInfo {
	c.mu.RLock()
	out := make([]TxInfo, 0, len(c.pending))
	for _, g := range c.pending {
		out = append(out, g.info())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
