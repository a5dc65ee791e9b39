package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "AutoTrader-Chain/internal/errors"
)

func newSimulatedClient(t *testing.T, balance *big.Int) (*Client, string) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(types.GenesisAlloc{addr: {Balance: balance}})
	t.Cleanup(func() { backend.Close() })
	backend.Commit()

	client := NewWithReader("simulated", "simulated backend", backend.Client())
	return client, addr.Hex()
}

func TestClientSnapshotAndBalance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balance := big.NewInt(1_000_000_000_000_000_000)
	client, wallet := newSimulatedClient(t, balance)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("expected simulated chain id 1337, got %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "" || snapshot.Chain != "simulated" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	got, err := client.Balance(ctx, wallet)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(balance) != 0 {
		t.Fatalf("expected balance %s, got %s", balance, got)
	}

	hexBalance, err := client.ExecuteAction(ctx, "eth_getBalance", wallet)
	if err != nil || hexBalance != "0xde0b6b3a7640000" {
		t.Fatalf("unexpected eth_getBalance: %s %v", hexBalance, err)
	}

	nonce, err := client.ExecuteAction(ctx, "eth_getTransactionCount", wallet)
	if err != nil || nonce != "0x0" {
		t.Fatalf("unexpected nonce: %s %v", nonce, err)
	}
}

func TestClientRejectsBadInput(t *testing.T) {
	client, _ := newSimulatedClient(t, big.NewInt(1))
	ctx := context.Background()

	if _, err := client.Balance(ctx, "not-an-address"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := client.ExecuteAction(ctx, "eth_sendTransaction", ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected unsupported action error, got %v", err)
	}

	client.Close()
	if _, err := client.FetchChainSnapshot(ctx); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expected closed client error, got %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
