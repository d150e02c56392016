package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"vmarket/native/market"
)

// storedParams is the on-disk layout of the market parameter record. Its
// presence doubles as the genesis marker: a node whose state has no params
// has never been initialised.
type storedParams struct {
	Owner  []byte
	FeeBps uint32
	Paused bool
}

// MarketParamsGet loads the market parameters. The boolean is false when the
// ledger has not been initialised yet.
func (m *Manager) MarketParamsGet() (market.Params, bool, error) {
	data, ok, err := m.get(paramsKey)
	if err != nil {
		return market.Params{}, false, err
	}
	if !ok || len(data) == 0 {
		return market.Params{}, false, nil
	}
	stored := new(storedParams)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return market.Params{}, false, fmt.Errorf("state: decode params: %w", err)
	}
	params := market.Params{FeeBps: stored.FeeBps, Paused: stored.Paused}
	copy(params.Owner[:], stored.Owner)
	return params, true, nil
}

// MarketParamsPut persists the market parameters.
func (m *Manager) MarketParamsPut(params market.Params) error {
	encoded, err := rlp.EncodeToBytes(&storedParams{
		Owner:  params.Owner[:],
		FeeBps: params.FeeBps,
		Paused: params.Paused,
	})
	if err != nil {
		return fmt.Errorf("state: encode params: %w", err)
	}
	m.set(paramsKey, encoded)
	return nil
}
