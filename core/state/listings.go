package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"vmarket/native/market"
)

// storedListing is the on-disk layout of a listing record. Listings are
// written at creation and exactly once more when sold; they are never
// deleted.
type storedListing struct {
	ID        string
	Seller    []byte
	Price     *uint256.Int
	Sold      bool
	ProofHash []byte
	CreatedAt uint64
}

// ListingGet loads the listing stored under id. The boolean is false when no
// listing occupies the key.
func (m *Manager) ListingGet(id string) (*market.Listing, bool) {
	data, ok, err := m.get(listingKey(id))
	if err != nil || !ok || len(data) == 0 {
		return nil, false
	}
	stored := new(storedListing)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	listing := &market.Listing{
		ID:        stored.ID,
		Sold:      stored.Sold,
		CreatedAt: int64(stored.CreatedAt),
	}
	copy(listing.Seller[:], stored.Seller)
	copy(listing.ProofHash[:], stored.ProofHash)
	if stored.Price != nil {
		listing.Price = stored.Price.ToBig()
	}
	return listing, true
}

// ListingPut persists the listing under its id.
func (m *Manager) ListingPut(listing *market.Listing) error {
	if listing == nil {
		return fmt.Errorf("state: listing must not be nil")
	}
	if listing.ID == "" {
		return fmt.Errorf("state: listing id must not be empty")
	}
	price, err := packAmount(listing.Price)
	if err != nil {
		return fmt.Errorf("state: listing price: %w", err)
	}
	stored := &storedListing{
		ID:        listing.ID,
		Seller:    listing.Seller[:],
		Price:     price,
		Sold:      listing.Sold,
		ProofHash: listing.ProofHash[:],
		CreatedAt: uint64(listing.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("state: encode listing: %w", err)
	}
	m.set(listingKey(listing.ID), encoded)
	return nil
}

// ListingHas reports whether a listing record occupies the key without
// decoding it.
func (m *Manager) ListingHas(id string) (bool, error) {
	return m.has(listingKey(id))
}
