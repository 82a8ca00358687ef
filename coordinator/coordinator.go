// Package coordinator owns the live balance tree. It pulls deposits from settlement, merges
// them in subtrees, hands out batch builders on cloned state and commits a batch once the
// oracle certified it and settlement accepted it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/config"
	"github.com/rollupnc/coordinator/core"
	"github.com/rollupnc/coordinator/deposit"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/settlement"
	"github.com/rollupnc/coordinator/store"
	"github.com/rollupnc/coordinator/tree"
)

var (
	// ErrOutOfSync is returned when the local root differs from the one settlement holds.
	ErrOutOfSync = errors.New("local state out of sync with settlement")
	// ErrNotPersisted is returned when a change was committed but could not be saved to the
	// store. The in-memory state includes the change.
	ErrNotPersisted = errors.New("committed state not persisted")
)

// Certified is a batch that settlement accepted.
type Certified struct {
	Witness  *batch.Witness
	Batch    *core.CertifiedBatch
	Accepted *settlement.BatchAccepted
}

// Coordinator serialises every mutation of the committed state behind mu. Oracle calls run
// without it.
type Coordinator struct {
	mu        sync.Mutex
	cfg       config.Config
	authority settlement.Authority
	oracle    core.Oracle

	log        zerolog.Logger
	store      *store.Store
	registerer prometheus.Registerer
	newBackOff func() backoff.BackOff
	metrics    *metrics

	balances  *tree.Tree
	registry  *account.Registry
	queue     *deposit.Queue
	nextEvent uint64
}

// New builds a coordinator, restoring the committed state from the store when one is
// configured and holds a snapshot. The resulting root must match settlement's.
func New(ctx context.Context, cfg config.Config, authority settlement.Authority, oracle core.Oracle, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:        cfg,
		authority:  authority,
		oracle:     oracle,
		log:        zerolog.Nop(),
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.registerer)

	var err error
	c.balances, err = tree.New(cfg.BalanceDepth, account.EmptyLeaf())
	if err != nil {
		return nil, err
	}
	c.registry = account.NewRegistry()
	c.queue, err = deposit.NewQueue(cfg.DepositSubDepth, cfg.BalanceDepth, account.EmptyLeaf())
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.restore(); err != nil {
			return nil, err
		}
	}

	remote, err := retry(ctx, c, "root", func() (fr.Element, error) { return authority.Root(ctx) })
	if err != nil {
		return nil, fmt.Errorf("read settlement root: %w", err)
	}
	local := c.balances.Root()
	if !local.Equal(&remote) {
		return nil, fmt.Errorf("%w: local root %s, settlement root %s", ErrOutOfSync, primitive.ElementString(local), primitive.ElementString(remote))
	}
	c.log.Info().
		Str("root", primitive.ElementString(local)).
		Uint64("nextIndex", c.balances.NextIndex()).
		Int("pending", c.queue.Pending()).
		Msg("coordinator ready")
	return c, nil
}

func (c *Coordinator) restore() error {
	snap, found, err := c.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if !found {
		return nil
	}
	if snap.Balances.Depth() != c.cfg.BalanceDepth || snap.SubDepth != c.cfg.DepositSubDepth {
		return fmt.Errorf("restore: stored depths %d/%d, configured %d/%d: %w",
			snap.Balances.Depth(), snap.SubDepth, c.cfg.BalanceDepth, c.cfg.DepositSubDepth, tree.ErrDepthOutOfRange)
	}
	for _, d := range snap.Pending {
		if _, err := c.queue.Enqueue(d); err != nil {
			return fmt.Errorf("restore pending deposit: %w", err)
		}
	}
	c.balances = snap.Balances
	c.registry = snap.Registry
	c.nextEvent = snap.NextEvent
	c.metrics.pendingDeposits.Set(float64(c.queue.Pending()))
	c.log.Debug().Uint64("nextEvent", c.nextEvent).Msg("restored snapshot")
	return nil
}

// retry runs a settlement call under the coordinator's backoff policy. Rejections and
// cancellation are not retried.
func retry[T any](ctx context.Context, c *Coordinator, op string, fn func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, settlement.ErrRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return v, backoff.Permanent(err)
		}
		c.log.Warn().Err(err).Str("op", op).Msg("settlement call failed, retrying")
		return v, err
	}, backoff.WithContext(c.newBackOff(), ctx))
}

func (c *Coordinator) persist() error {
	if c.store == nil {
		return nil
	}
	err := c.store.SaveSnapshot(&store.Snapshot{
		Balances:  c.balances,
		Registry:  c.registry,
		SubDepth:  c.cfg.DepositSubDepth,
		Pending:   c.queue.Deposits(),
		NextEvent: c.nextEvent,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("failed to persist committed state")
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return nil
}

// Root is the committed balance root.
func (c *Coordinator) Root() fr.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances.Root()
}

// Account returns a copy of the entry at index.
func (c *Coordinator) Account(index uint64) (*account.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Get(index)
}

// Lookup finds the slot holding pk for tokenType.
func (c *Coordinator) Lookup(pk primitive.PublicKey, tokenType uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Lookup(pk, tokenType)
}

// Pending is the number of deposits waiting for a merge.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Pending()
}

// SyncDeposits pulls new deposit events into the queue, merging every subtree that fills up.
// A full queue left by an earlier failed merge is merged first. It returns the number of
// deposits pulled.
func (c *Coordinator) SyncDeposits(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint64(c.queue.Pending()) == c.queue.Capacity() {
		if err := c.flush(ctx); err != nil {
			return 0, err
		}
	}

	events, err := retry(ctx, c, "deposit events", func() ([]settlement.DepositRequested, error) {
		return c.authority.DepositEvents(ctx, c.nextEvent)
	})
	if err != nil {
		return 0, fmt.Errorf("sync deposits: %w", err)
	}
	pulled := 0
	for _, ev := range events {
		if ev.Seq != c.nextEvent {
			return pulled, fmt.Errorf("sync deposits: event %d, expected %d", ev.Seq, c.nextEvent)
		}
		full, err := c.queue.Enqueue(ev.Deposit)
		if err != nil {
			return pulled, fmt.Errorf("sync deposit %d: %w", ev.Seq, err)
		}
		c.nextEvent++
		pulled++
		c.metrics.depositsQueued.Inc()
		c.metrics.pendingDeposits.Set(float64(c.queue.Pending()))
		if full {
			if err := c.flush(ctx); err != nil {
				return pulled, err
			}
		}
	}
	if pulled > 0 {
		c.log.Debug().Int("pulled", pulled).Int("pending", c.queue.Pending()).Msg("synced deposits")
	}
	return pulled, c.persist()
}

// FlushDeposits merges the pending deposits, padding the subtree with empty leaves.
func (c *Coordinator) FlushDeposits(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(ctx)
}

func (c *Coordinator) flush(ctx context.Context) error {
	req, err := c.queue.PrepareMerge(c.balances)
	if err != nil {
		return fmt.Errorf("flush deposits: %w", err)
	}
	ev, err := retry(ctx, c, "merge deposits", func() (*settlement.DepositsMerged, error) {
		return c.authority.MergeDeposits(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("flush deposits: %w", err)
	}
	if !ev.NewRoot.Equal(&req.NewRoot) {
		return fmt.Errorf("flush deposits: settlement root %s, merged %s: %w",
			primitive.ElementString(ev.NewRoot), primitive.ElementString(req.NewRoot), ErrOutOfSync)
	}
	balances, err := deposit.Apply(c.balances, req)
	if err != nil {
		return fmt.Errorf("flush deposits: %w", err)
	}
	registry := c.registry.Clone()
	for i, d := range req.Deposits {
		e, err := d.Entry(req.FirstIndex() + uint64(i))
		if err != nil {
			return fmt.Errorf("flush deposits: %w", err)
		}
		registry.Put(e)
	}

	c.balances = balances
	c.registry = registry
	if err := c.queue.Reset(); err != nil {
		return err
	}
	c.metrics.merges.Inc()
	c.metrics.pendingDeposits.Set(0)
	c.log.Info().
		Uint64("position", req.Position).
		Int("deposits", len(req.Deposits)).
		Str("root", primitive.ElementString(ev.NewRoot)).
		Msg("merged deposits")
	return c.persist()
}

// NewBatch returns a builder on a copy of the committed state.
func (c *Coordinator) NewBatch() (*batch.Builder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return batch.NewBuilder(c.balances.Clone(), c.registry.Clone(), c.cfg.TxDepth)
}

func (c *Coordinator) checkFresh(b *batch.Builder) error {
	root := c.balances.Root()
	prev := b.PrevRoot()
	if !root.Equal(&prev) {
		return fmt.Errorf("batch built on %s, committed root is %s: %w",
			primitive.ElementString(prev), primitive.ElementString(root), tree.ErrStaleProof)
	}
	return nil
}

// Certify seals b, has the oracle certify it and submits it to settlement. Only once
// settlement accepts the batch does the builder's state become the committed state; any
// failure leaves Root unchanged. The one exception is an error wrapping ErrNotPersisted: the
// batch was accepted and committed, and the result is returned alongside the error.
func (c *Coordinator) Certify(ctx context.Context, b *batch.Builder) (*Certified, error) {
	c.mu.Lock()
	err := c.checkFresh(b)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	w, err := b.Seal()
	if err != nil {
		return nil, err
	}

	cert, err := c.oracle.Prove(ctx, w)
	if err != nil {
		if errors.Is(err, core.ErrOracleRejected) {
			c.metrics.oracleRejections.Inc()
			c.log.Warn().Err(err).Msg("oracle rejected batch")
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFresh(b); err != nil {
		return nil, err
	}
	ev, err := retry(ctx, c, "submit batch", func() (*settlement.BatchAccepted, error) {
		return c.authority.SubmitBatch(ctx, cert)
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("settlement refused batch")
		return nil, fmt.Errorf("submit batch: %w", err)
	}

	balances, registry := b.State()
	c.balances, c.registry = balances.Clone(), registry.Clone()
	c.metrics.batchesCertified.Inc()
	c.log.Info().
		Str("prevRoot", primitive.ElementString(w.PrevRoot)).
		Str("nextRoot", primitive.ElementString(w.NextRoot)).
		Str("txRoot", primitive.ElementString(w.TxRoot)).
		Str("backend", cert.Backend).
		Msg("batch certified")
	return &Certified{Witness: w, Batch: cert, Accepted: ev}, c.persist()
}
