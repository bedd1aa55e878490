package indexer

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/tokenwatch/indexer/pkg/common"
)

// Halts is the shared registry of pairs stopped after an unrecoverable
// failure. The coordinator stops dispatching work for a halted pair and the
// resolver refuses its tasks, so the pair stalls until an operator repairs
// it and restarts the process.
type Halts struct {
	mu      sync.Mutex
	reasons map[string]string
}

func NewHalts() *Halts {
	return &Halts{reasons: make(map[string]string)}
}

// Halt marks a pair as requiring operator intervention.
func (h *Halts) Halt(chainID uint64, contract, reason string) {
	h.mu.Lock()
	h.reasons[haltKey(chainID, contract)] = reason
	h.mu.Unlock()

	common.PairHalted.WithLabelValues(strconv.FormatUint(chainID, 10), contract, reason).Set(1)
}

// IsHalted reports whether a pair has been halted.
func (h *Halts) IsHalted(chainID uint64, contract string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.reasons[haltKey(chainID, contract)]

	return ok
}

func haltKey(chainID uint64, contract string) string {
	return fmt.Sprintf("%d:%s", chainID, contract)
}
