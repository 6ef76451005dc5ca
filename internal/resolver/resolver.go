// Package resolver turns the candidate website pool into the ordered list of
// URLs an audit visits: an optional seeded sample followed by a shuffle.
package resolver

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// MaxSeed is the largest generated sampling seed.
const MaxSeed uint64 = 1<<32 - 1

var (
	// ErrInvalidSampleSize is returned for a negative sample size.
	ErrInvalidSampleSize = errors.New("sample size must be >= 0")
	// ErrEmptyDataset is returned when the pool holds no URLs.
	ErrEmptyDataset = errors.New("website dataset is empty")
)

// InsufficientPoolError reports a sample larger than the pool.
type InsufficientPoolError struct {
	Requested int
	Available int
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("cannot sample %d websites from a pool of %d", e.Requested, e.Available)
}

// Result is a resolved visit order and the seed that produced its sample.
// Seed is zero when no sample was drawn and none was supplied.
type Result struct {
	URLs       []string
	SampleSize int
	Seed       uint64
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithShuffle replaces the unseeded post-sample shuffle.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(r *Resolver) { r.shuffle = shuffle }
}

// WithSeedSource replaces seed generation.
func WithSeedSource(next func() uint64) Option {
	return func(r *Resolver) { r.newSeed = next }
}

// Resolver samples and orders candidate pools.
type Resolver struct {
	shuffle func(n int, swap func(i, j int))
	newSeed func() uint64
}

// New returns a Resolver using math/rand/v2 for seeds and the shuffle.
func New(opts ...Option) *Resolver {
	r := &Resolver{shuffle: rand.Shuffle, newSeed: GenerateSeed}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve samples n URLs from pool when n > 0, then shuffles the result. A
// zero seed with n > 0 is replaced by a generated one so the sample can be
// reproduced from the manifest. pool is never modified.
func (r *Resolver) Resolve(pool []string, n int, seed uint64) (Result, error) {
	if n < 0 {
		return Result{}, ErrInvalidSampleSize
	}
	if len(pool) == 0 {
		return Result{}, ErrEmptyDataset
	}
	res := Result{SampleSize: n, Seed: seed}
	if n > 0 {
		if n > len(pool) {
			return Result{}, &InsufficientPoolError{Requested: n, Available: len(pool)}
		}
		if res.Seed == 0 {
			res.Seed = r.newSeed()
		}
		res.URLs = Sample(pool, n, res.Seed)
	} else {
		res.URLs = append([]string(nil), pool...)
	}
	r.shuffle(len(res.URLs), func(i, j int) {
		res.URLs[i], res.URLs[j] = res.URLs[j], res.URLs[i]
	})
	return res, nil
}

// Sample draws n distinct positions from pool without replacement using a
// PCG source seeded with seed. The same pool, n and seed always produce the
// same slice. Callers must ensure 0 <= n <= len(pool).
func Sample(pool []string, n int, seed uint64) []string {
	rng := rand.New(rand.NewPCG(seed, seed))
	work := append([]string(nil), pool...)
	for i := range n {
		j := i + rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n:n]
}

// GenerateSeed returns a seed uniformly drawn from [1, MaxSeed].
func GenerateSeed() uint64 {
	return 1 + rand.Uint64N(MaxSeed)
}
