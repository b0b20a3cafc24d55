// Package mempool implements the shared, nonce-aware transaction pool:
// admission with signature/structural checks, gas-price priority ordering,
// TTL expiry, and capacity-bound eviction.
package mempool

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cerrors "nhbchain/core/errors"
	"nhbchain/core/types"
	"nhbchain/eventbus"
	"nhbchain/observability"
)

// Outcome reports the result of an insert attempt.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Replaced
)

// StateView is the minimal read-only view of account state the mempool
// needs for nonce-based admission; core/state.Manager satisfies it.
type StateView interface {
	GetAccountNonce(addr []byte) uint64
}

type entry struct {
	tx         *types.Transaction
	id         []byte
	sender     []byte
	insertedAt time.Time
}

// Config bundles the admission-policy constants consulted on insert.
type Config struct {
	MaxSize             uint64
	TTL                 time.Duration
	GasPriceBumpBps     uint32
	MaxPendingPerSender uint64

	// SubmissionRatePerSecond and SubmissionBurst bound how often a single
	// sender may successfully insert a transaction, independent of the
	// nonce/gas-price rules above; zero disables the limiter.
	SubmissionRatePerSecond float64
	SubmissionBurst         int
}

// Mempool is a shared container of pending transactions, internally locked
// so admission and drain are mutually exclusive, per the concurrency model.
type Mempool struct {
	mu  sync.Mutex
	cfg Config
	bus *eventbus.Bus

	// ready holds, per sender, the single transaction whose nonce equals
	// the sender's current on-chain nonce.
	ready map[string]*entry
	// pending holds, per sender, transactions with nonce greater than the
	// sender's current on-chain nonce, keyed by nonce.
	pending map[string]map[uint64]*entry

	limiters map[string]*rate.Limiter

	size uint64
}

// New constructs an empty mempool.
func New(cfg Config, bus *eventbus.Bus) *Mempool {
	return &Mempool{
		cfg:      cfg,
		bus:      bus,
		ready:    make(map[string]*entry),
		pending:  make(map[string]map[uint64]*entry),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterLocked returns (creating if necessary) the per-sender rate
// limiter. Caller holds p.mu.
func (p *Mempool) limiterLocked(key string) *rate.Limiter {
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.SubmissionRatePerSecond), p.cfg.SubmissionBurst)
		p.limiters[key] = l
	}
	return l
}

func senderKey(sender []byte) string { return string(sender) }

// Insert admits tx into the pool. Signature and structural validation are
// the caller's responsibility (state.ApplyTransaction performs the
// authoritative checks at apply time; the mempool only re-derives the
// sender here for queuing purposes).
func (p *Mempool) Insert(view StateView, tx *types.Transaction) (Outcome, error) {
	if tx == nil {
		return Rejected, cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	sender, err := tx.From()
	if err != nil {
		return Rejected, cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}
	if !bytes.Equal(sender, tx.Sender) {
		return Rejected, cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}
	id, err := tx.ID()
	if err != nil {
		return Rejected, cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := senderKey(sender)

	if p.cfg.SubmissionRatePerSecond > 0 && !p.limiterLocked(key).Allow() {
		return Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrMempoolFull)
	}

	stateNonce := view.GetAccountNonce(sender)

	if tx.Nonce < stateNonce {
		return Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrDuplicateNonce)
	}

	newEntry := &entry{tx: tx, id: id, sender: sender, insertedAt: time.Now()}

	if tx.Nonce == stateNonce {
		if existing, ok := p.ready[key]; ok {
			replaced, outcome, err := p.tryReplace(existing, newEntry)
			if err != nil {
				return outcome, err
			}
			if replaced {
				p.ready[key] = newEntry
				p.publishAccepted(id)
				return Replaced, nil
			}
		}
		if !p.admitCapacity(newEntry) {
			return Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrMempoolFull)
		}
		if _, existed := p.ready[key]; !existed {
			p.size++
		}
		p.ready[key] = newEntry
		p.publishAccepted(id)
		return Accepted, nil
	}

	senderPending := p.pending[key]
	if senderPending == nil {
		senderPending = make(map[uint64]*entry)
		p.pending[key] = senderPending
	}
	if existing, ok := senderPending[tx.Nonce]; ok {
		replaced, outcome, err := p.tryReplace(existing, newEntry)
		if err != nil {
			return outcome, err
		}
		if replaced {
			senderPending[tx.Nonce] = newEntry
			p.publishAccepted(id)
			return Replaced, nil
		}
	}
	if p.cfg.MaxPendingPerSender > 0 && uint64(len(senderPending)) >= p.cfg.MaxPendingPerSender {
		return Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrMempoolFull)
	}
	if !p.admitCapacity(newEntry) {
		return Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrMempoolFull)
	}
	if _, existed := senderPending[tx.Nonce]; !existed {
		p.size++
	}
	senderPending[tx.Nonce] = newEntry
	p.publishAccepted(id)
	return Accepted, nil
}

// tryReplace decides whether newEntry replaces existing per the
// gas-price-bump rule. Caller holds p.mu.
func (p *Mempool) tryReplace(existing, newEntry *entry) (replaced bool, outcome Outcome, err error) {
	minBump := new(big.Int).Mul(existing.tx.GasPrice, big.NewInt(int64(p.cfg.GasPriceBumpBps)))
	minBump.Div(minBump, big.NewInt(10_000))
	threshold := new(big.Int).Add(existing.tx.GasPrice, minBump)
	if newEntry.tx.GasPrice.Cmp(threshold) > 0 {
		return true, Accepted, nil
	}
	return false, Rejected, cerrors.Tag(cerrors.KindMempool, cerrors.ErrDuplicateNonce)
}

// admitCapacity enforces max_mempool_size, evicting the current
// lowest-gas-price entry if newEntry outbids it and the pool is full.
// Caller holds p.mu.
func (p *Mempool) admitCapacity(newEntry *entry) bool {
	if p.cfg.MaxSize == 0 || p.size < p.cfg.MaxSize {
		return true
	}
	lowestKey, lowest := p.lowestPriorityLocked()
	if lowest == nil || newEntry.tx.GasPrice.Cmp(lowest.tx.GasPrice) <= 0 {
		return false
	}
	p.evictLocked(lowestKey, lowest, cerrors.ErrEvicted)
	return true
}

type locatedEntry struct {
	sender string
	nonce  uint64
	pend   bool
}

func (p *Mempool) lowestPriorityLocked() (locatedEntry, *entry) {
	var lowestLoc locatedEntry
	var lowest *entry
	for sender, e := range p.ready {
		if lowest == nil || e.tx.GasPrice.Cmp(lowest.tx.GasPrice) < 0 {
			lowest = e
			lowestLoc = locatedEntry{sender: sender}
		}
	}
	for sender, byNonce := range p.pending {
		for nonce, e := range byNonce {
			if lowest == nil || e.tx.GasPrice.Cmp(lowest.tx.GasPrice) < 0 {
				lowest = e
				lowestLoc = locatedEntry{sender: sender, nonce: nonce, pend: true}
			}
		}
	}
	return lowestLoc, lowest
}

func (p *Mempool) evictLocked(loc locatedEntry, e *entry, reason error) {
	if loc.pend {
		delete(p.pending[loc.sender], loc.nonce)
		if len(p.pending[loc.sender]) == 0 {
			delete(p.pending, loc.sender)
		}
	} else {
		delete(p.ready, loc.sender)
	}
	p.size--
	p.publishFailed(e.id, reason)
	observability.Chain().RecordMempoolRejection(reason.Error())
}

func (p *Mempool) publishAccepted(id []byte) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Kind: eventbus.KindTxAccepted, TxID: id})
	}
}

func (p *Mempool) publishFailed(id []byte, reason error) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Kind: eventbus.KindTxFailed, TxID: id, Reason: reason.Error()})
	}
}

// Tick sweeps entries older than the configured TTL, emitting tx_failed
// with reason Expired for each.
func (p *Mempool) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sender, e := range p.ready {
		if now.Sub(e.insertedAt) > p.cfg.TTL {
			delete(p.ready, sender)
			p.size--
			p.publishFailed(e.id, cerrors.ErrExpired)
			observability.Chain().RecordMempoolRejection(cerrors.ErrExpired.Error())
		}
	}
	for sender, byNonce := range p.pending {
		for nonce, e := range byNonce {
			if now.Sub(e.insertedAt) > p.cfg.TTL {
				delete(byNonce, nonce)
				p.size--
				p.publishFailed(e.id, cerrors.ErrExpired)
				observability.Chain().RecordMempoolRejection(cerrors.ErrExpired.Error())
			}
		}
		if len(byNonce) == 0 {
			delete(p.pending, sender)
		}
	}
	observability.Chain().SetMempoolSize(int(p.size))
}

// DrainForBlock selects transactions for inclusion: ready transactions in
// decreasing gas_price (FIFO-broken ties), each consumption of a sender's
// ready slot checked for whether it unblocks the next pending nonce for
// that sender, bounded by tx_limit and a rough per-tx gas estimate against
// gasLimit.
func (p *Mempool) DrainForBlock(gasLimit uint64, txLimit uint64) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*entry
	for _, e := range p.ready {
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].tx.GasPrice.Cmp(candidates[j].tx.GasPrice)
		if cmp != 0 {
			return cmp > 0
		}
		return candidates[i].insertedAt.Before(candidates[j].insertedAt)
	})

	var out []*types.Transaction
	var gasUsed uint64
	for round := 0; round < 2; round++ {
		// Round 0 drains the initial ready set; round 1 re-scans for
		// senders whose pending nonce was unblocked by round 0's picks.
		var next []*entry
		for _, e := range candidates {
			if uint64(len(out)) >= txLimit {
				break
			}
			if gasUsed+e.tx.GasLimit > gasLimit {
				continue
			}
			out = append(out, e.tx)
			gasUsed += e.tx.GasLimit
			key := senderKey(e.sender)
			delete(p.ready, key)
			p.size--

			if byNonce := p.pending[key]; byNonce != nil {
				if unblocked, ok := byNonce[e.tx.Nonce+1]; ok {
					delete(byNonce, e.tx.Nonce+1)
					if len(byNonce) == 0 {
						delete(p.pending, key)
					}
					p.ready[key] = unblocked
					next = append(next, unblocked)
				}
			}
		}
		if len(next) == 0 || uint64(len(out)) >= txLimit {
			break
		}
		sort.SliceStable(next, func(i, j int) bool {
			cmp := next[i].tx.GasPrice.Cmp(next[j].tx.GasPrice)
			if cmp != 0 {
				return cmp > 0
			}
			return next[i].insertedAt.Before(next[j].insertedAt)
		})
		candidates = next
	}
	return out
}

// OnBlockApplied removes applied transaction ids from the pool's bookkeeping.
// Transactions are already removed from `ready` by DrainForBlock; this
// additionally clears any matching pending entries left stale by a
// direct-to-block submission path (e.g. a locally produced block whose
// proposer drained from a different snapshot).
func (p *Mempool) OnBlockApplied(appliedIDs [][]byte) {
	if len(appliedIDs) == 0 {
		return
	}
	applied := make(map[string]struct{}, len(appliedIDs))
	for _, id := range appliedIDs {
		applied[hex.EncodeToString(id)] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for sender, byNonce := range p.pending {
		for nonce, e := range byNonce {
			if _, ok := applied[hex.EncodeToString(e.id)]; ok {
				delete(byNonce, nonce)
				p.size--
			}
		}
		if len(byNonce) == 0 {
			delete(p.pending, sender)
		}
	}
	observability.Chain().SetMempoolSize(int(p.size))
}

// Size returns the total number of queued transactions (ready + pending).
func (p *Mempool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.size)
}
