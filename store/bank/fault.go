package bank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/acid_bank/xa"
)

// ErrSimulated is the failure FailOn injects.
var ErrSimulated = errors.New("simulated error in XA connection")

// FaultInjector decides whether a branch operation fails before it reaches
// the store. A nil error lets the operation proceed.
type FaultInjector interface {
	Fault(op xa.Op, xid xa.Xid) error
}

type noFaults struct{}

func (noFaults) Fault(xa.Op, xa.Xid) error { return nil }

// NoFaults never fails.
var NoFaults FaultInjector = noFaults{}

type opFaults map[xa.Op]bool

func (f opFaults) Fault(op xa.Op, _ xa.Xid) error {
	if f[op] {
		return ErrSimulated
	}
	return nil
}

// FailOn fails every call of the given operations with ErrSimulated.
func FailOn(ops ...xa.Op) FaultInjector {
	if len(ops) == 0 {
		return NoFaults
	}
	f := make(opFaults, len(ops))
	for _, op := range ops {
		f[op] = true
	}
	return f
}

var knownOps = map[xa.Op]bool{
	xa.OpStart: true, xa.OpDebit: true, xa.OpCredit: true, xa.OpEnd: true,
	xa.OpPrepare: true, xa.OpCommit: true, xa.OpRollback: true,
}

// ParseOps parses a comma separated list such as "credit,prepare".
func ParseOps(s string) ([]xa.Op, error) {
	var ops []xa.Op
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(strings.ToLower(f))
		if f == "" {
			continue
		}
		if !knownOps[xa.Op(f)] {
			return nil, fmt.Errorf("unknown branch operation %q", f)
		}
		ops = append(ops, xa.Op(f))
	}
	return ops, nil
}
