package indexer

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/tokenwatch/indexer/pkg/chain"
)

// ErrorClass partitions task failures by how the worker should react.
type ErrorClass int

const (
	// Transient failures resolve on their own and are retried with backoff.
	Transient ErrorClass = iota

	// RateLimited failures need a longer cooldown before retrying.
	RateLimited

	// DataInconsistency failures mean indexed state disagrees with the chain.
	// Retrying cannot help; a reorg resolution is escalated instead.
	DataInconsistency

	// Fatal failures require operator intervention and are never retried.
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case DataInconsistency:
		return "data_inconsistency"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps any task error to an ErrorClass. It is total: unknown errors
// default to Transient so a flaky upstream never permanently stalls a pair.
func Classify(err error) ErrorClass {
	if err == nil {
		return Transient
	}

	switch {
	case errors.Is(err, ErrAnchorMismatch):
		return DataInconsistency
	case errors.Is(err, ErrReorgTooDeep),
		errors.Is(err, ErrPairHalted),
		errors.Is(err, chain.ErrUnknownChain):
		return Fatal
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	}

	message := strings.ToLower(err.Error())

	switch {
	case strings.Contains(message, "429"),
		strings.Contains(message, "too many requests"),
		strings.Contains(message, "rate limit"):
		return RateLimited
	case strings.Contains(message, "502"),
		strings.Contains(message, "503"),
		strings.Contains(message, "504"):
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Transient
	}

	if strings.Contains(message, "timeout") || strings.Contains(message, "connection") {
		return Transient
	}

	return Transient
}
