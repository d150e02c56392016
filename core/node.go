package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"vmarket/core/events"
	marketstate "vmarket/core/state"
	"vmarket/core/types"
	"vmarket/crypto"
	"vmarket/native/market"
	"vmarket/storage"
)

// Genesis seeds the ledger on first boot. The operator key becomes the fee
// owner at the configured rate, and each allocation credits an opening
// spendable balance. A node restarted on an existing database ignores the
// genesis block entirely.
type Genesis struct {
	FeeBps   uint32
	Accounts map[string]*big.Int // bech32 address -> opening balance
}

// Node is the central controller: it owns the database handle and runs every
// ledger operation under a single lock, so operations observe and produce
// strictly serial state. Each operation executes against a fresh state
// overlay; only successful operations are journalled and committed, failed
// ones are dropped wholesale.
type Node struct {
	db       storage.Database
	ownerKey *crypto.PrivateKey
	logger   *slog.Logger
	nowFn    func() int64

	stateMu sync.Mutex

	subMu     sync.Mutex
	subs      map[uint64]chan types.JournalEntry
	nextSubID uint64
}

func NewNode(db storage.Database, ownerKey *crypto.PrivateKey, genesis Genesis, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database is required")
	}
	if ownerKey == nil {
		return nil, fmt.Errorf("core: owner key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		db:       db,
		ownerKey: ownerKey,
		logger:   logger,
		nowFn:    func() int64 { return time.Now().Unix() },
		subs:     make(map[uint64]chan types.JournalEntry),
	}
	if err := n.seedGenesis(genesis); err != nil {
		return nil, err
	}
	return n, nil
}

// SetNowFunc overrides the clock used to stamp listings. Tests only.
func (n *Node) SetNowFunc(now func() int64) {
	if now != nil {
		n.nowFn = now
	}
}

// OwnerAddress returns the address of the operator key the node was started
// with. The on-ledger fee owner may differ after an ownership transfer; use
// Owner for the authoritative record.
func (n *Node) OwnerAddress() crypto.Address {
	return n.ownerKey.PubKey().Address()
}

func (n *Node) seedGenesis(genesis Genesis) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	if _, ok, err := manager.MarketParamsGet(); err != nil {
		return fmt.Errorf("core: read market params: %w", err)
	} else if ok {
		n.logger.Info("ledger already initialised, skipping genesis")
		return nil
	}

	if genesis.FeeBps > market.MaxFeeBps {
		return fmt.Errorf("core: genesis fee %d exceeds cap %d: %w", genesis.FeeBps, market.MaxFeeBps, market.ErrInvalidFee)
	}
	owner := n.OwnerAddress()
	params := market.Params{FeeBps: genesis.FeeBps}
	copy(params.Owner[:], owner.Bytes())
	if err := manager.MarketParamsPut(params); err != nil {
		return fmt.Errorf("core: write market params: %w", err)
	}

	for bech, balance := range genesis.Accounts {
		addr, err := crypto.DecodeAddress(bech)
		if err != nil {
			return fmt.Errorf("core: genesis account %q: %w", bech, err)
		}
		if balance == nil || balance.Sign() < 0 {
			return fmt.Errorf("core: genesis account %q: balance must be non-negative", bech)
		}
		account, err := manager.GetAccount(addr.Bytes())
		if err != nil {
			return fmt.Errorf("core: genesis account %q: %w", bech, err)
		}
		account.Balance = new(big.Int).Set(balance)
		if err := manager.PutAccount(addr.Bytes(), account); err != nil {
			return fmt.Errorf("core: genesis account %q: %w", bech, err)
		}
	}
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("core: commit genesis: %w", err)
	}
	n.logger.Info("ledger initialised",
		"owner", owner.String(),
		"feeBps", genesis.FeeBps,
		"accounts", len(genesis.Accounts),
	)
	return nil
}

type eventWithPayload interface {
	Event() *types.Event
}

func (n *Node) newMarketEngine(manager *marketstate.Manager, buffer *events.Buffer) *market.Engine {
	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(buffer)
	engine.SetNowFunc(n.nowFn)
	return engine
}

// withMarketEngine runs fn against a fresh overlay under the state lock. When
// fn succeeds the buffered events are journalled, the overlay is committed and
// the new entries are fanned out to subscribers. When fn fails the overlay and
// the buffered events are discarded together, leaving no partial effects.
func (n *Node) withMarketEngine(fn func(*market.Engine) error) ([]types.JournalEntry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	buffer := &events.Buffer{}
	engine := n.newMarketEngine(manager, buffer)

	if err := fn(engine); err != nil {
		return nil, err
	}

	entries := make([]types.JournalEntry, 0, buffer.Len())
	for _, evt := range buffer.Drain() {
		payload, ok := evt.(eventWithPayload)
		if !ok || payload.Event() == nil {
			continue
		}
		entry, err := manager.JournalAppend(payload.Event())
		if err != nil {
			return nil, fmt.Errorf("core: journal event %s: %w", evt.EventType(), err)
		}
		entries = append(entries, entry)
	}
	if err := manager.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit market state: %w", err)
	}
	n.publish(entries)
	return entries, nil
}

func (n *Node) CreateListing(seller [20]byte, id string, price *big.Int, proofHash [32]byte) (*market.Listing, error) {
	var listing *market.Listing
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		created, err := engine.CreateListing(seller, id, price, proofHash)
		if err != nil {
			return err
		}
		listing = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("listing created", "listingId", listing.ID, "price", listing.Price.String())
	return listing, nil
}

func (n *Node) PurchaseListing(buyer [20]byte, id string, attachedValue *big.Int) (*market.Receipt, error) {
	var receipt *market.Receipt
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		r, err := engine.PurchaseListing(buyer, id, attachedValue)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("listing sold",
		"listingId", receipt.Listing.ID,
		"fee", receipt.Fee.String(),
		"refund", receipt.Refund.String(),
	)
	return receipt, nil
}

func (n *Node) UpdateFee(caller [20]byte, newBps uint32) (uint32, error) {
	var old uint32
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		prev, err := engine.UpdateFee(caller, newBps)
		if err != nil {
			return err
		}
		old = prev
		return nil
	})
	if err != nil {
		return 0, err
	}
	n.logger.Info("fee updated", "oldFeeBps", old, "newFeeBps", newBps)
	return old, nil
}

func (n *Node) Withdraw(caller [20]byte) (*big.Int, error) {
	var amount *big.Int
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		withdrawn, err := engine.Withdraw(caller)
		if err != nil {
			return err
		}
		amount = withdrawn
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("funds withdrawn", "amount", amount.String())
	return amount, nil
}

func (n *Node) Pause(caller [20]byte) error {
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		return engine.Pause(caller)
	})
	if err == nil {
		n.logger.Warn("market paused")
	}
	return err
}

func (n *Node) Unpause(caller [20]byte) error {
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		return engine.Unpause(caller)
	})
	if err == nil {
		n.logger.Warn("market unpaused")
	}
	return err
}

func (n *Node) TransferOwnership(caller, newOwner [20]byte) (*big.Int, error) {
	var migrated *big.Int
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		m, err := engine.TransferOwnership(caller, newOwner)
		if err != nil {
			return err
		}
		migrated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.logger.Warn("ownership transferred", "migratedFees", migrated.String())
	return migrated, nil
}

func (n *Node) Deposit(from [20]byte, amount *big.Int) error {
	_, err := n.withMarketEngine(func(engine *market.Engine) error {
		return engine.Deposit(from, amount)
	})
	return err
}

func (n *Node) GetListing(id string) (*market.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	normalized, err := market.NormalizeListingID(id)
	if err != nil {
		return nil, err
	}
	listing, ok := manager.ListingGet(normalized)
	if !ok {
		return nil, market.ErrListingNotFound
	}
	return listing, nil
}

func (n *Node) BalanceOf(addr [20]byte) (*big.Int, error) {
	account, err := n.account(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

func (n *Node) PendingBalanceOf(addr [20]byte) (*big.Int, error) {
	account, err := n.account(addr)
	if err != nil {
		return nil, err
	}
	return account.Pending, nil
}

func (n *Node) account(addr [20]byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	return manager.GetAccount(addr[:])
}

// FeeInfo reports the current fee rate and the owner it accrues to.
type FeeInfo struct {
	FeeBps uint32
	Owner  [20]byte
}

func (n *Node) FeeInfo() (FeeInfo, error) {
	params, err := n.params()
	if err != nil {
		return FeeInfo{}, err
	}
	return FeeInfo{FeeBps: params.FeeBps, Owner: params.Owner}, nil
}

func (n *Node) Paused() (bool, error) {
	params, err := n.params()
	if err != nil {
		return false, err
	}
	return params.Paused, nil
}

func (n *Node) Owner() ([20]byte, error) {
	params, err := n.params()
	if err != nil {
		return [20]byte{}, err
	}
	return params.Owner, nil
}

func (n *Node) params() (market.Params, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	params, ok, err := manager.MarketParamsGet()
	if err != nil {
		return market.Params{}, err
	}
	if !ok {
		return market.Params{}, fmt.Errorf("core: ledger not initialised")
	}
	return params, nil
}

// EventsSince returns up to limit journal entries with sequence numbers
// strictly greater than after, in sequence order.
func (n *Node) EventsSince(after uint64, limit int) ([]types.JournalEntry, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	return manager.JournalList(after, limit)
}

func (n *Node) JournalHead() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := marketstate.NewManager(n.db)
	return manager.JournalHead()
}

// SubscribeEvents registers a live journal feed. The returned channel receives
// committed entries in sequence order; entries are dropped when the subscriber
// falls more than buffer entries behind, so consumers needing a gap-free view
// must reconcile against EventsSince using the sequence numbers they saw.
// The cancel function closes the channel.
func (n *Node) SubscribeEvents(buffer int) (<-chan types.JournalEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.JournalEntry, buffer)

	n.subMu.Lock()
	id := n.nextSubID
	n.nextSubID++
	n.subs[id] = ch
	n.subMu.Unlock()

	cancel := func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		if existing, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (n *Node) publish(entries []types.JournalEntry) {
	if len(entries) == 0 {
		return
	}
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for id, ch := range n.subs {
		for _, entry := range entries {
			select {
			case ch <- entry:
			default:
				n.logger.Debug("event subscriber lagging, dropping entry",
					"subscriber", id,
					"sequence", entry.Sequence,
				)
			}
		}
	}
}
