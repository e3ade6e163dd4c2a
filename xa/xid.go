package xa

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FormatID tags Xids minted by this coordinator.
const FormatID int32 = 0x4143 // "AC"

// MaxIDLength is the XA limit for both the gtrid and the bqual.
const MaxIDLength = 64

var ErrBadXid = errors.New("malformed xid")

// Xid identifies one branch of a global transaction: GlobalID is shared by
// every branch, BranchQual tells them apart.
type Xid struct {
	FormatID   int32
	GlobalID   []byte
	BranchQual []byte
}

// String renders "<format>:<hex gtrid>:<hex bqual>". ParseXid reverses it.
func (x Xid) String() string {
	return strconv.FormatInt(int64(x.FormatID), 10) + ":" +
		hex.EncodeToString(x.GlobalID) + ":" +
		hex.EncodeToString(x.BranchQual)
}

// Global returns the gtrid in hex, the correlation key across branches.
func (x Xid) Global() string {
	return hex.EncodeToString(x.GlobalID)
}

func (x Xid) IsZero() bool {
	return len(x.GlobalID) == 0
}

func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalID, o.GlobalID) &&
		bytes.Equal(x.BranchQual, o.BranchQual)
}

// SameGlobal reports whether x and o are branches of one global transaction.
func (x Xid) SameGlobal(o Xid) bool {
	return x.FormatID == o.FormatID && bytes.Equal(x.GlobalID, o.GlobalID)
}

// Branch derives the correlated branch n of x's global transaction.
func (x Xid) Branch(n uint8) Xid {
	g := make([]byte, len(x.GlobalID))
	copy(g, x.GlobalID)
	return Xid{FormatID: x.FormatID, GlobalID: g, BranchQual: []byte{n}}
}

func (x Xid) Validate() error {
	if len(x.GlobalID) == 0 || len(x.GlobalID) > MaxIDLength || len(x.BranchQual) > MaxIDLength {
		return fmt.Errorf("%w: %s", ErrBadXid, x)
	}
	return nil
}

func ParseXid(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("%w: %q", ErrBadXid, s)
	}
	f, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrBadXid, s, err)
	}
	g, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrBadXid, s, err)
	}
	b, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrBadXid, s, err)
	}
	x := Xid{FormatID: int32(f), GlobalID: g, BranchQual: b}
	return x, x.Validate()
}

// Generator mints global transaction ids.
type Generator struct {
	FormatID int32
	newID    func() uuid.UUID
}

func NewGenerator() *Generator {
	return &Generator{FormatID: FormatID, newID: uuid.New}
}

// New returns a fresh global Xid with an empty branch qualifier. Use Branch
// to derive the per-participant identifiers.
func (g *Generator) New() Xid {
	id := g.newID()
	return Xid{FormatID: g.FormatID, GlobalID: id[:]}
}

// NewPair returns two correlated branch ids for a two-participant transfer.
func (g *Generator) NewPair() (Xid, Xid) {
	global := g.New()
	return global.Branch(1), global.Branch(2)
}
