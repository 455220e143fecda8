// Package service implements the settlement engine's business logic over the
// repositories, the chain client and the oracle adapters.
package service

import (
	"context"
	"time"

	"github.com/qpredict/engine/internal/qubic"
)

// ChainClient is the RPC surface the services depend on. *qubic.Client
// satisfies it; tests substitute a fake.
type ChainClient interface {
	GetTickInfo(ctx context.Context) (*qubic.TickInfo, error)
	GetBalance(ctx context.Context, address string) (int64, error)

	IssueBet(ctx context.Context, seed string, in qubic.IssueBetInput, issueFee int64) (*qubic.TxResult, error)
	JoinBet(ctx context.Context, seed string, betID, slots, option uint32, amount int64) (*qubic.TxResult, error)
	PublishResult(ctx context.Context, seed string, betID, winningOption uint32) (*qubic.TxResult, error)
	CancelBet(ctx context.Context, seed string, betID uint32) (*qubic.TxResult, error)

	BuildTransfer(ctx context.Context, seed, toAddress string, amount int64) (*qubic.PreparedTx, error)
	Broadcast(ctx context.Context, tx *qubic.PreparedTx) error

	IssueFee(ctx context.Context, maxSlots, optionCount int64, endDate time.Time) int64
	FindBetID(ctx context.Context, creator, description string) (uint32, bool, error)
}

// Notifier fans operational alerts out to the webhook sink.
type Notifier interface {
	Notify(event, detail string)
}
