package cojson

import (
	"errors"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

var (
	// ErrUnavailable means no peer could supply the CoValue.
	ErrUnavailable = errors.New("covalue unavailable")
	// ErrUnauthorized means the local agent lacks the role for the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidSignature means content failed signature verification and was rejected.
	ErrInvalidSignature = crypto.ErrInvalidSignature
	// ErrHashChainBroken means content contradicts the stored hash chain.
	ErrHashChainBroken = errors.New("hash chain broken")
	// ErrMissingPredecessor means content was buffered until earlier transactions arrive.
	ErrMissingPredecessor = errors.New("missing predecessor transactions")
	// ErrNotAvailableYet means the CoValue or one of its dependencies is not loaded.
	ErrNotAvailableYet = errors.New("covalue not available yet")
	// ErrInvalidIndex is returned by list operations addressing a missing position.
	ErrInvalidIndex = errors.New("invalid index")
	// ErrReadOnly is returned when writing without an identity or to a foreign session.
	ErrReadOnly = errors.New("read only")
	// ErrWrongType is returned when a handle is requested for a CoValue of another type.
	ErrWrongType = errors.New("wrong covalue type")
)
