package genesis

import (
	"bytes"
	"fmt"
	"sort"

	"escrowledger/core/state"
)

var genesisMarkerKey = []byte("genesis/applied")

type genesisMarker struct {
	GenesisTime uint64
	Accounts    uint64
}

// Apply credits the allocation into the state exactly once. It reports whether
// the allocation was written by this call.
func Apply(spec *GenesisSpec, manager *state.Manager) (bool, error) {
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return false, fmt.Errorf("state manager must not be nil")
	}
	applied, err := manager.KVGet(genesisMarkerKey, nil)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	balances := spec.Balances()
	addrs := make([][20]byte, 0, len(balances))
	for addr := range balances {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	for _, addr := range addrs {
		if err := manager.Credit(addr, balances[addr]); err != nil {
			return false, fmt.Errorf("credit %x: %w", addr, err)
		}
	}
	marker := genesisMarker{Accounts: uint64(len(addrs))}
	if ts := spec.GenesisTimestamp().Unix(); ts > 0 {
		marker.GenesisTime = uint64(ts)
	}
	if err := manager.KVPut(genesisMarkerKey, &marker); err != nil {
		return false, err
	}
	return true, nil
}
