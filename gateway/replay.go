package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

// ReplayEntry is one dispatched event retained for resume
type ReplayEntry struct {
	Seq       uint64
	EventType event.Type
	Payload   json.RawMessage
}

// ReplayBuffer is a bounded, per-session ring of recently dispatched events.
// Appending past capacity evicts the oldest entry, so the floor (oldest
// retained sequence) only advances.
type ReplayBuffer struct {
	mu       sync.Mutex
	entries  []ReplayEntry
	head     int // index of oldest entry
	size     int
	capacity int
	last     uint64 // highest sequence ever appended, 0 if none
}

// NewReplayBuffer creates a replay buffer holding at most capacity entries
func NewReplayBuffer(capacity int) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("capacity must be positive, got %d", capacity),
			"ReplayBuffer", "New", "validate capacity")
	}
	return &ReplayBuffer{
		entries:  make([]ReplayEntry, capacity),
		capacity: capacity,
	}, nil
}

// Append stores an entry, evicting the oldest when full
func (b *ReplayBuffer) Append(entry ReplayEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == b.capacity {
		// Overwrite the oldest slot.
		b.entries[b.head] = entry
		b.head = (b.head + 1) % b.capacity
	} else {
		b.entries[(b.head+b.size)%b.capacity] = entry
		b.size++
	}
	b.last = entry.Seq
}

// Floor returns the oldest retained sequence, or 0 when the buffer is empty
func (b *ReplayBuffer) Floor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return 0
	}
	return b.entries[b.head].Seq
}

// Last returns the highest sequence ever appended, or 0 when none
func (b *ReplayBuffer) Last() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Len returns the number of retained entries
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// ReplayFrom returns all entries with sequence strictly greater than lastSeq
// in ascending order. It fails with ErrReplayUnavailable when the request
// reaches below the retained floor or claims a sequence never dispatched.
func (b *ReplayBuffer) ReplayFrom(lastSeq uint64) ([]ReplayEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastSeq > b.last {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: last_seq %d beyond latest %d", errors.ErrReplayUnavailable, lastSeq, b.last),
			"ReplayBuffer", "ReplayFrom", "validate last_seq")
	}

	if lastSeq == b.last {
		// Nothing missed.
		return nil, nil
	}

	floor := b.entries[b.head].Seq
	if lastSeq+1 < floor {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: last_seq %d below floor %d", errors.ErrReplayUnavailable, lastSeq, floor),
			"ReplayBuffer", "ReplayFrom", "check retention floor")
	}

	result := make([]ReplayEntry, 0, b.size)
	for i := 0; i < b.size; i++ {
		entry := b.entries[(b.head+i)%b.capacity]
		if entry.Seq > lastSeq {
			result = append(result, entry)
		}
	}
	return result, nil
}
