package chain

import "errors"

// Sentinel errors for chain oracle operations.
var (
	// ErrUnknownChain indicates no endpoint is configured for the chain ID.
	ErrUnknownChain = errors.New("no endpoint configured for chain")

	// ErrBlockNotFound indicates the requested block does not exist on the node.
	ErrBlockNotFound = errors.New("block not found")
)
