package genesis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowledger/core/state"
	"escrowledger/crypto"
	"escrowledger/storage"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadGenesisSpecJSONAndApply(t *testing.T) {
	alice := crypto.FromRaw([20]byte{0x01}).String()
	bob := crypto.FromRaw([20]byte{0x02}).String()
	path := writeFile(t, "genesis.json", `{
  "genesisTime": "2024-01-01T00:00:00Z",
  "alloc": {"`+alice+`": "1000", "`+bob+`": "2500000"}
}`)
	spec, err := LoadGenesisSpec(path)
	require.NoError(t, err)
	require.Equal(t, int64(1704067200), spec.GenesisTimestamp().Unix())

	db := storage.NewMemDB()
	defer db.Close()
	mgr := state.NewManager(db)

	applied, err := Apply(spec, mgr)
	require.NoError(t, err)
	require.True(t, applied)
	bal, err := mgr.Balance([20]byte{0x02})
	require.NoError(t, err)
	require.Equal(t, uint64(2_500_000), bal.Uint64())

	applied, err = Apply(spec, mgr)
	require.NoError(t, err)
	require.False(t, applied)
	supply, err := mgr.Supply()
	require.NoError(t, err)
	require.Equal(t, uint64(2_501_000), supply.Uint64())
}

func TestLoadGenesisSpecYAML(t *testing.T) {
	alice := crypto.FromRaw([20]byte{0x0A}).String()
	path := writeFile(t, "genesis.yaml", "genesisTime: \"2024-06-01T12:00:00Z\"\nalloc:\n  "+alice+": \"42\"\n")
	spec, err := LoadGenesisSpec(path)
	require.NoError(t, err)
	require.Equal(t, map[[20]byte]uint64{{0x0A}: 42}, spec.Balances())
}

func TestLoadGenesisSpecRejectsBadInput(t *testing.T) {
	alice := crypto.FromRaw([20]byte{0x01}).String()
	cases := map[string]string{
		"unknown field": `{"genesisTime":"2024-01-01T00:00:00Z","alloc":{},"chainId":1}`,
		"bad time":      `{"genesisTime":"yesterday","alloc":{}}`,
		"bad address":   `{"genesisTime":"2024-01-01T00:00:00Z","alloc":{"btc1xyz":"1"}}`,
		"bad amount":    `{"genesisTime":"2024-01-01T00:00:00Z","alloc":{"` + alice + `":"-5"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadGenesisSpec(writeFile(t, "genesis.json", body))
			require.Error(t, err)
		})
	}
	_, err := LoadGenesisSpec("")
	require.Error(t, err)
}
