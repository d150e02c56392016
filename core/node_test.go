package core

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"vmarket/crypto"
	"vmarket/native/market"
	"vmarket/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func bech(addr [20]byte) string {
	return crypto.MustAddressFromBytes(addr[:]).String()
}

func newTestNode(t *testing.T, db storage.Database) (*Node, [20]byte) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	buyer := nodeTestAddress(0x03)
	genesis := Genesis{
		FeeBps: 250,
		Accounts: map[string]*big.Int{
			bech(buyer): big.NewInt(10_000_000),
		},
	}
	node, err := NewNode(db, key, genesis, testLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	var owner [20]byte
	copy(owner[:], key.PubKey().Address().Bytes())
	return node, owner
}

func TestNodeGenesisSeeding(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	node, owner := newTestNode(t, db)

	info, err := node.FeeInfo()
	if err != nil {
		t.Fatalf("fee info: %v", err)
	}
	if info.FeeBps != 250 || info.Owner != owner {
		t.Fatalf("unexpected fee info %+v", info)
	}
	balance, err := node.BalanceOf(nodeTestAddress(0x03))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("genesis balance = %s", balance)
	}
	paused, err := node.Paused()
	if err != nil || paused {
		t.Fatalf("paused = %v, %v", paused, err)
	}

	// A restart on the same database must not re-seed, even with a
	// different genesis block.
	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restarted, err := NewNode(db, otherKey, Genesis{FeeBps: 999, Accounts: map[string]*big.Int{
		bech(nodeTestAddress(0x03)): big.NewInt(1),
	}}, testLogger())
	if err != nil {
		t.Fatalf("restart node: %v", err)
	}
	info, err = restarted.FeeInfo()
	if err != nil {
		t.Fatalf("fee info after restart: %v", err)
	}
	if info.FeeBps != 250 || info.Owner != owner {
		t.Fatalf("restart re-seeded params: %+v", info)
	}
	balance, err = restarted.BalanceOf(nodeTestAddress(0x03))
	if err != nil {
		t.Fatalf("balance after restart: %v", err)
	}
	if balance.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("restart re-seeded balances: %s", balance)
	}
}

func TestNodeGenesisRejectsExcessiveFee(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := NewNode(storage.NewMemDB(), key, Genesis{FeeBps: market.MaxFeeBps + 1}, testLogger()); !errors.Is(err, market.ErrInvalidFee) {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
}

func TestNodePurchaseFlowJournalsEvents(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, owner := newTestNode(t, db)

	seller := nodeTestAddress(0x02)
	buyer := nodeTestAddress(0x03)

	events, cancel := node.SubscribeEvents(8)
	defer cancel()

	listing, err := node.CreateListing(seller, "node-listing", big.NewInt(1_000_000), [32]byte{0xAA})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if listing.CreatedAt != 1_700_000_000 {
		t.Fatalf("createdAt = %d", listing.CreatedAt)
	}

	fetched, err := node.GetListing("node-listing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Seller != seller || fetched.Sold {
		t.Fatalf("unexpected listing %+v", fetched)
	}

	receipt, err := node.PurchaseListing(buyer, "node-listing", big.NewInt(1_200_000))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Fee.Cmp(big.NewInt(25_000)) != 0 || receipt.Refund.Cmp(big.NewInt(200_000)) != 0 {
		t.Fatalf("unexpected receipt fee=%s refund=%s", receipt.Fee, receipt.Refund)
	}

	sellerBalance, err := node.BalanceOf(seller)
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerBalance.Cmp(big.NewInt(975_000)) != 0 {
		t.Fatalf("seller balance = %s", sellerBalance)
	}
	pending, err := node.PendingBalanceOf(owner)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("owner pending = %s", pending)
	}

	head, err := node.JournalHead()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 2 {
		t.Fatalf("journal head = %d, want 2", head)
	}
	entries, err := node.EventsSince(0, 10)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Sequence != 1 || entries[0].Event.Type != market.EventTypeListingCreated {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Sequence != 2 || entries[1].Event.Type != market.EventTypePurchaseCompleted {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}

	// The live feed saw the same entries in the same order.
	first := <-events
	second := <-events
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("subscription out of order: %d, %d", first.Sequence, second.Sequence)
	}
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("channel must be closed after cancel")
	}
}

func TestNodeFailedOperationLeavesNoTrace(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _ := newTestNode(t, db)

	buyer := nodeTestAddress(0x03)
	seller := nodeTestAddress(0x02)

	if _, err := node.CreateListing(seller, "solo", big.NewInt(20_000_000), [32]byte{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	headBefore, _ := node.JournalHead()
	buyerBefore, _ := node.BalanceOf(buyer)

	// Funded enough to attach the value, but the ledger balance cannot cover it.
	if _, err := node.PurchaseListing(buyer, "solo", big.NewInt(20_000_000)); !errors.Is(err, market.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	headAfter, _ := node.JournalHead()
	if headAfter != headBefore {
		t.Fatalf("failed purchase journalled events: %d -> %d", headBefore, headAfter)
	}
	buyerAfter, _ := node.BalanceOf(buyer)
	if buyerAfter.Cmp(buyerBefore) != 0 {
		t.Fatalf("failed purchase moved funds: %s -> %s", buyerBefore, buyerAfter)
	}
	listing, err := node.GetListing("solo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if listing.Sold {
		t.Fatal("failed purchase marked listing sold")
	}
}

func TestNodeGetListingMissing(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _ := newTestNode(t, db)

	if _, err := node.GetListing("absent"); !errors.Is(err, market.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestNodePauseLifecycle(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, owner := newTestNode(t, db)

	seller := nodeTestAddress(0x02)
	if err := node.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := node.Paused()
	if !paused {
		t.Fatal("market should be paused")
	}
	if _, err := node.CreateListing(seller, "while-paused", big.NewInt(1), [32]byte{}); !errors.Is(err, market.ErrMarketPaused) {
		t.Fatalf("expected ErrMarketPaused, got %v", err)
	}
	if err := node.Unpause(owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := node.CreateListing(seller, "while-paused", big.NewInt(1), [32]byte{}); err != nil {
		t.Fatalf("create after unpause: %v", err)
	}
}

func TestNodeOwnershipAndWithdraw(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, owner := newTestNode(t, db)

	seller := nodeTestAddress(0x02)
	buyer := nodeTestAddress(0x03)
	if _, err := node.CreateListing(seller, "o1", big.NewInt(1_000_000), [32]byte{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := node.PurchaseListing(buyer, "o1", big.NewInt(1_000_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	next := nodeTestAddress(0x0B)
	migrated, err := node.TransferOwnership(owner, next)
	if err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if migrated.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("migrated = %s", migrated)
	}
	gotOwner, err := node.Owner()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if gotOwner != next {
		t.Fatal("owner not reassigned")
	}

	amount, err := node.Withdraw(next)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("withdrew %s", amount)
	}
	spendable, _ := node.BalanceOf(next)
	if spendable.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("new owner spendable = %s", spendable)
	}
}

func TestNodeDeposit(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _ := newTestNode(t, db)

	buyer := nodeTestAddress(0x03)
	if err := node.Deposit(buyer, big.NewInt(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, _ := node.BalanceOf(buyer)
	if balance.Cmp(big.NewInt(9_995_000)) != 0 {
		t.Fatalf("buyer balance = %s", balance)
	}
	vault, _ := node.BalanceOf(market.VaultAddress())
	if vault.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("vault balance = %s", vault)
	}
	entries, err := node.EventsSince(0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(entries) != 1 || entries[0].Event.Type != market.EventTypeDepositReceived {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
