package indexer

import "errors"

var (
	// ErrAnchorMismatch is returned when a stored block hash no longer matches
	// the chain, indicating a reorganization touched indexed blocks.
	ErrAnchorMismatch = errors.New("anchor hash does not match chain")

	// ErrReorgTooDeep is returned when no canonical ancestor exists within the
	// configured maximum reorg depth.
	ErrReorgTooDeep = errors.New("no canonical ancestor within max reorg depth")

	// ErrPairHalted is returned for pairs that require operator intervention.
	ErrPairHalted = errors.New("pair is halted")
)
