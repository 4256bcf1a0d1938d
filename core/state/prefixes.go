package state

import (
	"encoding/binary"

	"escrowledger/crypto"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowStatsKey     = []byte("escrow/stats")
	balancePrefix      = []byte("bank/balance/")

	// EscrowVaultLabel derives the module account that holds escrowed funds.
	EscrowVaultLabel = "escrow/vault"

	escrowVault = crypto.DeriveAddress(EscrowVaultLabel)
)

func escrowRecordKey(id uint64) []byte {
	buf := make([]byte, len(escrowRecordPrefix)+8)
	copy(buf, escrowRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowRecordPrefix):], id)
	return buf
}

func balanceKey(addr [20]byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr[:])
	return buf
}
