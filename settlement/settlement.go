// Package settlement models the authority that owns the canonical balance root: it queues
// deposits, accepts subtree merges and certified batches, and releases withdrawals.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/core"
	"github.com/rollupnc/coordinator/deposit"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/transfer"
	"github.com/rollupnc/coordinator/tree"
)

// ErrRejected is returned when the authority refuses a merge, batch or withdrawal.
var ErrRejected = errors.New("settlement rejected")

const (
	// ZeroTokenType is only valid for the zero-key deposit that fills the burn slot.
	ZeroTokenType uint64 = 0
	// NativeTokenType is approved on every ledger.
	NativeTokenType uint64 = 1
)

// DepositRequested is emitted for every queued deposit. Seq numbers start at 0 without gaps.
type DepositRequested struct {
	Seq     uint64
	Deposit deposit.Deposit
}

// DepositsMerged is emitted when a deposit subtree is grafted into the balance tree.
type DepositsMerged struct {
	OldRoot   fr.Element
	NewRoot   fr.Element
	LeafCount uint64
}

// BatchAccepted is emitted when a certified batch advances the root.
type BatchAccepted struct {
	NewRoot fr.Element
	OldRoot fr.Element
	TxRoot  fr.Element
}

// WithdrawalReleased is emitted when a withdrawal claim pays out.
type WithdrawalReleased struct {
	Recipient fr.Element
	Amount    *big.Int
	TokenType uint64
	TxRoot    fr.Element
	TxIndex   uint64
}

// Authority is the settlement side as seen by the coordinator.
type Authority interface {
	Root(ctx context.Context) (fr.Element, error)
	DepositEvents(ctx context.Context, from uint64) ([]DepositRequested, error)
	MergeDeposits(ctx context.Context, req *deposit.MergeRequest) (*DepositsMerged, error)
	SubmitBatch(ctx context.Context, cert *core.CertifiedBatch) (*BatchAccepted, error)
}

type claimKey struct {
	txRoot  fr.Element
	txIndex uint64
}

// Ledger is an in-memory reference authority. It tracks only roots, queued deposits and
// spent withdrawals; it never sees the full balance tree.
type Ledger struct {
	mu        sync.Mutex
	depth     int
	subDepth  int
	emptyLeaf fr.Element
	zeroCache []fr.Element
	oracle    core.Oracle

	root        fr.Element
	nextSlot    uint64
	deposits    []DepositRequested
	mergedUpTo  int
	tokens      map[uint64]struct{}
	txRoots     map[fr.Element]struct{}
	withdrawals map[claimKey]struct{}
}

// NewLedger creates an authority for a balance tree of depth with deposit subtrees of subDepth.
// oracle verifies submitted batches.
func NewLedger(depth, subDepth int, oracle core.Oracle) (*Ledger, error) {
	if subDepth < tree.MinDepth || subDepth >= depth {
		return nil, fmt.Errorf("%w: deposit subtree depth %d, balance depth %d", tree.ErrDepthOutOfRange, subDepth, depth)
	}
	z, err := tree.ZeroCache(depth, account.EmptyLeaf())
	if err != nil {
		return nil, err
	}
	return &Ledger{
		depth:       depth,
		subDepth:    subDepth,
		emptyLeaf:   account.EmptyLeaf(),
		zeroCache:   z,
		oracle:      oracle,
		root:        z[depth],
		tokens:      map[uint64]struct{}{NativeTokenType: {}},
		txRoots:     make(map[fr.Element]struct{}),
		withdrawals: make(map[claimKey]struct{}),
	}, nil
}

func (l *Ledger) Root(ctx context.Context) (fr.Element, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root, nil
}

// ApproveToken allows deposits of tokenType.
func (l *Ledger) ApproveToken(tokenType uint64) error {
	if tokenType == ZeroTokenType {
		return fmt.Errorf("%w: token type %d is reserved", ErrRejected, tokenType)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[tokenType] = struct{}{}
	return nil
}

// RequestDeposit queues a deposit of an approved token and emits it. The zero key deposits
// nothing under ZeroTokenType.
func (l *Ledger) RequestDeposit(pk primitive.PublicKey, amount *big.Int, tokenType uint64) (*DepositRequested, error) {
	d := deposit.Deposit{PublicKey: pk, Amount: new(big.Int).Set(amount), TokenType: tokenType}
	if _, err := d.Leaf(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tokenType == ZeroTokenType {
		if !pk.IsZero() || amount.Sign() != 0 {
			return nil, fmt.Errorf("%w: token type %d is reserved for the zero-key deposit", ErrRejected, tokenType)
		}
	} else if _, ok := l.tokens[tokenType]; !ok {
		return nil, fmt.Errorf("%w: token type %d is not approved", ErrRejected, tokenType)
	}
	ev := DepositRequested{Seq: uint64(len(l.deposits)), Deposit: d}
	l.deposits = append(l.deposits, ev)
	return &ev, nil
}

// DepositEvents returns every deposit with Seq >= from.
func (l *Ledger) DepositEvents(ctx context.Context, from uint64) ([]DepositRequested, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if from >= uint64(len(l.deposits)) {
		return nil, nil
	}
	return append([]DepositRequested(nil), l.deposits[from:]...), nil
}

// MergeDeposits rebuilds the subtree from its own first unmerged deposits, checks the merge
// path against its root and advances the root. Only LeafCount, Position, Proof and PathBits
// of req are trusted; the computed roots must match what req claims.
func (l *Ledger) MergeDeposits(ctx context.Context, req *deposit.MergeRequest) (*DepositsMerged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	size := uint64(1) << l.subDepth
	if req.LeafCount != size || req.SubtreeDepth != l.subDepth {
		return nil, fmt.Errorf("%w: merge of %d leaves at subtree depth %d", ErrRejected, req.LeafCount, req.SubtreeDepth)
	}
	if req.Position != l.nextSlot {
		return nil, fmt.Errorf("%w: merge position %d, next free subtree %d", ErrRejected, req.Position, l.nextSlot)
	}
	pending := l.deposits[l.mergedUpTo:]
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrRejected, deposit.ErrQueueEmpty)
	}
	count := len(req.Deposits)
	if count == 0 || count > len(pending) || uint64(count) > size {
		return nil, fmt.Errorf("%w: merge names %d deposits, %d pending", ErrRejected, count, len(pending))
	}

	sub, err := tree.New(l.subDepth, l.emptyLeaf)
	if err != nil {
		return nil, err
	}
	for _, ev := range pending[:count] {
		leaf, err := ev.Deposit.Leaf()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		if _, err := sub.Insert(leaf); err != nil {
			return nil, err
		}
	}
	subRoot := sub.Root()

	if !tree.VerifyInclusion(l.zeroCache[l.subDepth], req.Position, req.Proof, req.PathBits, l.root) {
		return nil, fmt.Errorf("%w: merge path does not prove an empty slot: %w", ErrRejected, tree.ErrStaleProof)
	}
	newRoot, err := tree.ComputeRoot(subRoot, req.Proof, req.PathBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if !newRoot.Equal(&req.NewRoot) || !subRoot.Equal(&req.SubtreeRoot) {
		return nil, fmt.Errorf("%w: merged subtree differs from queued deposits", ErrRejected)
	}

	ev := &DepositsMerged{OldRoot: l.root, NewRoot: newRoot, LeafCount: size}
	l.root = newRoot
	l.nextSlot++
	l.mergedUpTo += count
	return ev, nil
}

// SubmitBatch accepts a certified batch built on the current root.
func (l *Ledger) SubmitBatch(ctx context.Context, cert *core.CertifiedBatch) (*BatchAccepted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cert.BalanceDepth != l.depth {
		return nil, fmt.Errorf("%w: batch for depth %d", ErrRejected, cert.BalanceDepth)
	}
	if !cert.PrevRoot.Equal(&l.root) {
		return nil, fmt.Errorf("%w: batch built on a stale root: %w", ErrRejected, tree.ErrStaleProof)
	}
	if err := l.oracle.Verify(ctx, cert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	ev := &BatchAccepted{NewRoot: cert.NextRoot, OldRoot: l.root, TxRoot: cert.TxRoot}
	l.root = cert.NextRoot
	l.txRoots[cert.TxRoot] = struct{}{}
	return ev, nil
}

// Withdraw releases a withdrawal from an accepted batch to the recipient the sender signed for.
// Each (TxRoot, TxIndex) pays out once.
func (l *Ledger) Withdraw(ctx context.Context, claim *transfer.WithdrawalClaim) (*WithdrawalReleased, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := claim.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txRoots[claim.TxRoot]; !ok {
		return nil, fmt.Errorf("%w: transaction root was never accepted", ErrRejected)
	}
	key := claimKey{claim.TxRoot, claim.TxIndex}
	if _, spent := l.withdrawals[key]; spent {
		return nil, fmt.Errorf("%w: withdrawal %d already released", ErrRejected, claim.TxIndex)
	}
	l.withdrawals[key] = struct{}{}
	return &WithdrawalReleased{
		Recipient: claim.Recipient,
		Amount:    claim.Transfer.Amount(),
		TokenType: claim.Transfer.TokenType(),
		TxRoot:    claim.TxRoot,
		TxIndex:   claim.TxIndex,
	}, nil
}
