package csm

import "fmt"

// ErrBlockAlreadyFinalized is returned (wrapped with the offending block)
// when a write targets a block past FinalizeBlock.
type ErrBlockAlreadyFinalized struct {
	Block BlockID
}

func (e *ErrBlockAlreadyFinalized) Error() string {
	return fmt.Sprintf("block %+v already finalized", e.Block)
}

func errBlockAlreadyFinalized(b BlockID) error {
	return &ErrBlockAlreadyFinalized{Block: b}
}

// ErrEmptyChunkPayload is returned when a WriteChunk arrives with no
// payload.
type ErrEmptyChunkPayload struct {
	Block BlockID
}

func (e *ErrEmptyChunkPayload) Error() string {
	return fmt.Sprintf("write chunk for block %+v carries an empty payload", e.Block)
}

func errEmptyChunkPayload(b BlockID) error {
	return &ErrEmptyChunkPayload{Block: b}
}

// readChunkFailure wraps a non-tolerated Result returned by a cache-miss
// ReadChunk fallback dispatch.
type readChunkFailure struct {
	result Result
}

func (e *readChunkFailure) Error() string {
	return "read chunk fallback returned non-tolerated result"
}
