// Test mocks for the chain oracle. This file should only be imported in
// test files, not in production code.
package chain

import (
	"context"
	"fmt"
	"sync"
)

// MockOracle is a function-field backed Oracle for tests.
type MockOracle struct {
	HeadBlockFunc     func(ctx context.Context) (uint64, string, error)
	BlockByNumberFunc func(ctx context.Context, number uint64) (*Block, error)
	TransferLogsFunc  func(ctx context.Context, contract string, from, to uint64) ([]TransferLog, error)

	mu    sync.Mutex
	calls []string
}

var _ Oracle = (*MockOracle)(nil)

func (o *MockOracle) record(call string) {
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
}

// Calls returns the methods invoked so far, in order.
func (o *MockOracle) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.calls))
	copy(out, o.calls)

	return out
}

func (o *MockOracle) HeadBlock(ctx context.Context) (uint64, string, error) {
	o.record("HeadBlock")

	if o.HeadBlockFunc == nil {
		return 0, "", fmt.Errorf("HeadBlockFunc not set")
	}

	return o.HeadBlockFunc(ctx)
}

func (o *MockOracle) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	o.record("BlockByNumber")

	if o.BlockByNumberFunc == nil {
		return nil, fmt.Errorf("BlockByNumberFunc not set")
	}

	return o.BlockByNumberFunc(ctx, number)
}

func (o *MockOracle) TransferLogs(ctx context.Context, contract string, from, to uint64) ([]TransferLog, error) {
	o.record("TransferLogs")

	if o.TransferLogsFunc == nil {
		return nil, fmt.Errorf("TransferLogsFunc not set")
	}

	return o.TransferLogsFunc(ctx, contract, from, to)
}

// MockSet resolves mock oracles by chain ID.
type MockSet struct {
	Oracles map[uint64]Oracle
}

var _ Set = (*MockSet)(nil)

func (s *MockSet) Oracle(chainID uint64) (Oracle, error) {
	oracle, ok := s.Oracles[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	return oracle, nil
}
