// Package txmanager is the transaction coordinator. It moves money between
// two banks with XA two-phase commit under presumed abort: nothing is
// logged, and a transaction the coordinator forgets is rolled back by
// every participant that did not see a commit.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultCallTimeout = 2 * time.Second

	tracerName = "github.com/acid_bank/tx/txmanager"
)

type TransferRequest struct {
	FromBank string       `json:"from_bank"`
	FromIBAN string       `json:"from_iban"`
	ToBank   string       `json:"to_bank"`
	ToIBAN   string       `json:"to_iban"`
	Amount   utils.Amount `json:"amount"`
}

// Receipt describes a committed transfer.
type Receipt struct {
	Xid         string       `json:"xid"`
	FromBank    string       `json:"from_bank"`
	FromIBAN    string       `json:"from_iban"`
	ToBank      string       `json:"to_bank"`
	ToIBAN      string       `json:"to_iban"`
	Amount      utils.Amount `json:"amount"`
	AmountWords string       `json:"amount_words"`
	CommittedAt time.Time    `json:"committed_at"`
}

type Coordinator struct {
	banks   Banks
	gen     *xa.Generator
	timeout time.Duration
	metrics *Metrics
	tracer  trace.Tracer
	lg      *zap.Logger

	mu      sync.RWMutex
	pending map[string]*globalTx
}

type Option func(*Coordinator)

func WithLogger(lg *zap.Logger) Option {
	return func(c *Coordinator) {
		if lg != nil {
			c.lg = lg
		}
	}
}

// WithCallTimeout bounds each participant call, rollbacks included.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		c.tracer = tp.Tracer(tracerName)
	}
}

func WithGenerator(g *xa.Generator) Option {
	return func(c *Coordinator) {
		c.gen = g
	}
}

func New(banks Banks, opts ...Option) *Coordinator {
	c := &Coordinator{
		banks:   banks,
		gen:     xa.NewGenerator(),
		timeout: DefaultCallTimeout,
		metrics: NewMetrics(nil),
		tracer:  otel.Tracer(tracerName),
		lg:      zap.NewNop(),
		pending: make(map[string]*globalTx),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Balance returns the committed balance of iban at bank.
func (c *Coordinator) Balance(ctx context.Context, bank, iban string) (utils.Amount, error) {
	rm, release, err := c.banks.Acquire(ctx, bank)
	if err != nil {
		return 0, err
	}
	defer release()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return rm.Balance(ctx, iban)
}

// Transfer debits req.FromIBAN and credits req.ToIBAN atomically. Any
// failure is a *TransferError and leaves both balances unchanged, except
// for KindInDoubt where the commit decision was taken but not applied
// everywhere.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "txmanager.Transfer", trace.WithAttributes(
		attribute.String("from_bank", req.FromBank),
		attribute.String("to_bank", req.ToBank),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	rcpt, err := c.transfer(ctx, req)
	c.metrics.Transfers.WithLabelValues(outcome(err)).Inc()
	c.metrics.Duration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rcpt, err
}

func (c *Coordinator) transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if req.Amount <= 0 {
		return nil, failure(KindValidation, ErrInvalidAmount, "%s", ErrInvalidAmount)
	}

	fromRM, releaseFrom, err := c.acquire(ctx, req.FromBank)
	if err != nil {
		return nil, err
	}
	defer releaseFrom()
	toRM, releaseTo, err := c.acquire(ctx, req.ToBank)
	if err != nil {
		return nil, err
	}
	defer releaseTo()

	// From here on a caller going away must not leave branches half done.
	ctx = context.WithoutCancel(ctx)

	fx, tx := c.gen.NewPair()
	g := newGlobalTx(fx, tx, req, fromRM, toRM, c.lg)
	c.track(g)
	defer c.untrack(g)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("xid", g.id))

	if err := c.startAll(ctx, g); err != nil {
		c.abort(ctx, g)
		return nil, err
	}
	if err := c.work(ctx, g); err != nil {
		c.abort(ctx, g)
		return nil, err
	}
	if err := c.endAll(ctx, g); err != nil {
		c.abort(ctx, g)
		return nil, err
	}
	if err := c.prepareAll(ctx, g); err != nil {
		c.abort(ctx, g)
		return nil, err
	}
	if err := c.commitAll(ctx, g); err != nil {
		return nil, err
	}

	g.lg.Info("transfer committed",
		zap.String("from", req.FromBank+"/"+req.FromIBAN),
		zap.String("to", req.ToBank+"/"+req.ToIBAN),
		zap.Stringer("amount", req.Amount))
	return &Receipt{
		Xid:         g.id,
		FromBank:    req.FromBank,
		FromIBAN:    req.FromIBAN,
		ToBank:      req.ToBank,
		ToIBAN:      req.ToIBAN,
		Amount:      req.Amount,
		AmountWords: req.Amount.Words(),
		CommittedAt: time.Now().UTC(),
	}, nil
}

func (c *Coordinator) acquire(ctx context.Context, bank string) (xa.ResourceManager, func(), error) {
	rm, release, err := c.banks.Acquire(ctx, bank)
	switch {
	case errors.Is(err, ErrUnknownBank):
		return nil, nil, failure(KindValidation, err, "%v", err)
	case err != nil:
		return nil, nil, failure(KindParticipant, err, "bank %s: %v", bank, err)
	}
	return rm, release, nil
}

// call runs fn with the per-call timeout.
func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) participantErr(b *branch, op xa.Op, err error) *TransferError {
	return failure(KindParticipant, err, "%s at %s: %v", op, b.bank, err)
}

func (c *Coordinator) startAll(ctx context.Context, g *globalTx) error {
	ctx, span := c.tracer.Start(ctx, "txmanager.start")
	defer span.End()
	for _, b := range g.branches {
		if err := c.call(ctx, func(ctx context.Context) error { return b.rm.Start(ctx, b.xid) }); err != nil {
			return c.participantErr(b, xa.OpStart, err)
		}
		g.move(b, xa.BranchActive)
	}
	return nil
}

// work debits then credits; the credit is not attempted if the debit
// did not apply.
func (c *Coordinator) work(ctx context.Context, g *globalTx) error {
	ctx, span := c.tracer.Start(ctx, "txmanager.work")
	defer span.End()
	req := g.req

	var res xa.UpdateResult
	from := g.from()
	err := c.call(ctx, func(ctx context.Context) (err error) {
		res, err = from.rm.Debit(ctx, from.xid, req.FromIBAN, req.Amount)
		return err
	})
	if err != nil {
		return c.participantErr(from, xa.OpDebit, err)
	}
	switch res {
	case xa.UpdateApplied:
	case xa.UpdatePredicateFailed:
		return failure(KindLocalOperation, ErrInsufficientFunds,
			"insufficient funds or invalid IBAN: %s", req.FromIBAN)
	case xa.UpdateNotFound:
		return failure(KindLocalOperation, fmt.Errorf("%w: %w", ErrInsufficientFunds, ErrInvalidIBAN),
			"insufficient funds or invalid IBAN: %s", req.FromIBAN)
	default:
		return failure(KindLocalOperation, ErrCeilingExceeded,
			"check constraint violated: debit of %s rejected with %s", req.FromIBAN, res)
	}

	to := g.to()
	err = c.call(ctx, func(ctx context.Context) (err error) {
		res, err = to.rm.Credit(ctx, to.xid, req.ToIBAN, req.Amount)
		return err
	})
	if err != nil {
		return c.participantErr(to, xa.OpCredit, err)
	}
	switch res {
	case xa.UpdateApplied:
	case xa.UpdateCeilingExceeded:
		return failure(KindLocalOperation, ErrCeilingExceeded,
			"check constraint violated: balance ceiling exceeded for %s", req.ToIBAN)
	default:
		return failure(KindLocalOperation, ErrInvalidIBAN, "invalid IBAN: %s", req.ToIBAN)
	}
	return nil
}

func (c *Coordinator) endAll(ctx context.Context, g *globalTx) error {
	for _, b := range g.branches {
		if err := c.call(ctx, func(ctx context.Context) error { return b.rm.End(ctx, b.xid, false) }); err != nil {
			return c.participantErr(b, xa.OpEnd, err)
		}
		g.move(b, xa.BranchEnded)
	}
	return nil
}

// prepareAll asks every branch for its vote. All branches are asked even
// after a NotOK so each participant learns the outcome the same way.
// A prepare that fails or times out counts as NotOK.
func (c *Coordinator) prepareAll(ctx context.Context, g *globalTx) error {
	ctx, span := c.tracer.Start(ctx, "txmanager.prepare")
	defer span.End()

	var causes []error
	for _, b := range g.branches {
		var vote xa.Vote
		err := c.call(ctx, func(ctx context.Context) (err error) {
			vote, err = b.rm.Prepare(ctx, b.xid)
			return err
		})
		if err != nil {
			g.lg.Warn("prepare failed, counted as not ok", zap.String("bank", b.bank), zap.Error(err))
			vote = xa.VoteNotOK(err.Error())
			causes = append(causes, fmt.Errorf("%s: %w", b.bank, err))
		} else if !vote.OK {
			causes = append(causes, fmt.Errorf("%s: %w", b.bank, vote.Err()))
		}
		c.metrics.Votes.WithLabelValues(b.bank, vote.String()).Inc()
		span.AddEvent("vote", trace.WithAttributes(
			attribute.String("bank", b.bank),
			attribute.Bool("ok", vote.OK)))
		if vote.OK {
			g.move(b, xa.BranchPrepared)
		}
	}
	if len(causes) > 0 {
		return failure(KindVote, errors.Join(append([]error{ErrPrepareFailed}, causes...)...),
			"%s", ErrPrepareFailed)
	}
	return nil
}

// commitAll delivers the commit decision. A branch that does not
// acknowledge is left prepared at its bank; the failure is reported, not
// retried.
func (c *Coordinator) commitAll(ctx context.Context, g *globalTx) error {
	ctx, span := c.tracer.Start(ctx, "txmanager.commit")
	defer span.End()
	g.setState(xa.GlobalCommitting)

	var (
		errs  = []error{ErrInDoubt}
		banks []string
	)
	for _, b := range g.branches {
		err := c.call(ctx, func(ctx context.Context) error { return b.rm.Commit(ctx, b.xid, false) })
		if err != nil {
			g.lg.Error("commit not acknowledged, branch in doubt",
				zap.String("bank", b.bank), zap.Stringer("branch", b.xid), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", b.bank, b.xid, err))
			banks = append(banks, b.bank)
			continue
		}
		g.move(b, xa.BranchCommitted)
	}
	if len(banks) > 0 {
		span.SetStatus(codes.Error, "in doubt")
		return failure(KindInDoubt, errors.Join(errs...),
			"commit not acknowledged by %s, outcome in doubt", strings.Join(banks, ", "))
	}
	g.setState(xa.GlobalCommitted)
	return nil
}

// abort ends and rolls back every branch that was started. Failures here
// are logged and never replace the error that caused the abort.
func (c *Coordinator) abort(ctx context.Context, g *globalTx) {
	ctx, span := c.tracer.Start(ctx, "txmanager.rollback")
	defer span.End()
	g.setState(xa.GlobalAborting)

	aborted := true
	for _, b := range g.branches {
		st := g.stateOf(b)
		if st == xa.BranchCreated || st.Terminal() {
			continue
		}
		if st == xa.BranchActive {
			err := c.call(ctx, func(ctx context.Context) error { return b.rm.End(ctx, b.xid, true) })
			if err != nil {
				g.lg.Error("end failed during abort", zap.String("bank", b.bank), zap.Error(err))
			} else {
				g.move(b, xa.BranchEnded)
			}
		}
		g.move(b, xa.BranchAborting)
		if err := c.call(ctx, func(ctx context.Context) error { return b.rm.Rollback(ctx, b.xid) }); err != nil {
			g.lg.Error("rollback failed", zap.String("bank", b.bank), zap.Stringer("branch", b.xid), zap.Error(err))
			c.metrics.RollbackFailures.Inc()
			aborted = false
			continue
		}
		g.move(b, xa.BranchAborted)
	}
	if aborted {
		g.setState(xa.GlobalAborted)
	}
}
