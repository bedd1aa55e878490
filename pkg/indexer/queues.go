package indexer

import "fmt"

const queuePrefix = "transfer-indexer"

// RangeQueue returns the steady-state range processing queue name.
func RangeQueue() string {
	return fmt.Sprintf("%s:range", queuePrefix)
}

// CatchupQueue returns the catch-up queue name. Catch-up chunks drain at a
// higher priority so backfills finish before steady-state work competes.
func CatchupQueue() string {
	return fmt.Sprintf("%s:catchup", queuePrefix)
}

// ReorgQueue returns the reorg resolution queue name.
func ReorgQueue() string {
	return fmt.Sprintf("%s:reorg", queuePrefix)
}

// QueuePriorities maps queue names to asynq priorities.
func QueuePriorities() map[string]int {
	return map[string]int{
		CatchupQueue(): 10,
		ReorgQueue():   8,
		RangeQueue():   6,
	}
}
