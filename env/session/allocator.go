package session

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// Handle identifies a live session. Callers never construct one; handles are
// issued by the table's allocator.
type Handle int64

func (h Handle) String() string {
	return strconv.FormatInt(int64(h), 10)
}

// ParseHandle parses the decimal form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrHandleNotFound, s)
	}
	return Handle(v), nil
}

// Policy selects how fresh handles are drawn.
type Policy string

const (
	// PolicyMonotonic issues 0, 1, 2, ... and never reuses a value.
	PolicyMonotonic Policy = "monotonic"
	// PolicyRandom draws from [0, IDRange] and retries on collision.
	PolicyRandom Policy = "random"
)

// Overflow selects what happens once Capacity live sessions exist.
type Overflow string

const (
	// OverflowReject fails allocation with ErrCapacityExhausted.
	OverflowReject Overflow = "reject"
	// OverflowRoundRobin hands out existing live handles in a circular order.
	// The caller ends up sharing a session that may be mid-episode; this trades
	// isolation for a bounded number of simulator instances.
	OverflowRoundRobin Overflow = "roundrobin"
)

const (
	// DefaultIDRange is the upper bound for random handles.
	DefaultIDRange int64 = 489576

	randomDrawAttempts = 64
)

// LiveSet is the read-only view of live handles an allocator works against.
// At indexes handles in insertion order.
type LiveSet interface {
	Len() int
	Contains(h Handle) bool
	At(i int) Handle
}

// Allocator issues session handles.
//
// Allocate returns fresh=false when it hands back an already-live handle
// under the round-robin overflow mode. It never blocks.
type Allocator interface {
	Allocate(live LiveSet) (h Handle, fresh bool, err error)
}

// AllocatorConfig configures NewAllocator.
type AllocatorConfig struct {
	Policy Policy
	// Capacity bounds the number of live sessions. Zero means unbounded.
	Capacity int
	// Overflow defaults to round-robin for the random policy and to reject
	// for the monotonic policy.
	Overflow Overflow
	// IDRange is the inclusive upper bound for random handles.
	IDRange int64
	// Seed fixes the random sequence. Zero seeds from the clock.
	Seed uint64
}

type allocator struct {
	mu     sync.Mutex
	cfg    AllocatorConfig
	next   Handle
	cursor int
	rng    *rand.Rand
}

// NewAllocator builds an allocator for cfg.
func NewAllocator(cfg AllocatorConfig) (Allocator, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyMonotonic
	}
	if cfg.Policy != PolicyMonotonic && cfg.Policy != PolicyRandom {
		return nil, fmt.Errorf("unknown allocation policy %q", cfg.Policy)
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("capacity must not be negative: %d", cfg.Capacity)
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowReject
		if cfg.Policy == PolicyRandom {
			cfg.Overflow = OverflowRoundRobin
		}
	}
	if cfg.Overflow != OverflowReject && cfg.Overflow != OverflowRoundRobin {
		return nil, fmt.Errorf("unknown overflow mode %q", cfg.Overflow)
	}
	if cfg.IDRange <= 0 {
		cfg.IDRange = DefaultIDRange
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &allocator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (a *allocator) Allocate(live LiveSet) (Handle, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Capacity > 0 && live.Len() >= a.cfg.Capacity {
		if a.cfg.Overflow == OverflowReject {
			return 0, false, fmt.Errorf("%w: %d live sessions", ErrCapacityExhausted, live.Len())
		}
		idx := a.cursor % live.Len()
		a.cursor = idx + 1
		return live.At(idx), false, nil
	}

	switch a.cfg.Policy {
	case PolicyRandom:
		h, err := a.drawRandom(live)
		return h, err == nil, err
	default:
		for live.Contains(a.next) {
			a.next++
		}
		h := a.next
		a.next++
		return h, true, nil
	}
}

// drawRandom tries a bounded number of uniform draws, then probes linearly
// from the last draw so allocation terminates even in a crowded range.
func (a *allocator) drawRandom(live LiveSet) (Handle, error) {
	span := a.cfg.IDRange + 1
	if int64(live.Len()) >= span {
		return 0, fmt.Errorf("%w: id range %d is full", ErrCapacityExhausted, a.cfg.IDRange)
	}

	var h Handle
	for i := 0; i < randomDrawAttempts; i++ {
		h = Handle(a.rng.Int64N(span))
		if !live.Contains(h) {
			return h, nil
		}
	}
	for i := int64(0); i < span; i++ {
		probe := Handle((int64(h) + i) % span)
		if !live.Contains(probe) {
			return probe, nil
		}
	}
	return 0, fmt.Errorf("%w: id range %d is full", ErrCapacityExhausted, a.cfg.IDRange)
}
