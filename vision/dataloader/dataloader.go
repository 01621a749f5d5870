// Package dataloader turns a dataset into ordered batches, decoding samples
// on a pool of workers ahead of the consumer.
package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-qat/tensor"
	"github.com/tsawler/go-qat/training"
	"github.com/tsawler/go-qat/vision/dataset"
)

// Config holds configuration for Loader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Seed         int64         // Shuffle order of epoch e is drawn from Seed+e
	NumWorkers   int           // 0 selects DefaultWorkers()
	Prefetch     int           // Batches decoded ahead; 0 selects 2*NumWorkers
	MaxCacheSize int           // Samples kept in memory; 0 disables the cache
	CacheManager *CacheManager // Optional shared cache, overrides MaxCacheSize
}

// DefaultWorkers returns the physical core count, or the logical count when
// it cannot be detected.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Loader yields the batches of a dataset. The batch order of an epoch is a
// function of (Seed, epoch) only, independent of the worker count.
type Loader struct {
	dataset dataset.Dataset
	config  Config
	cache   *CacheManager
}

var _ training.BatchSource = (*Loader)(nil)

// New creates a loader over ds.
func New(ds dataset.Dataset, config Config) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("dataloader: empty dataset")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("dataloader: batch size must be positive: %d", config.BatchSize)
	}
	if config.NumWorkers < 0 || config.Prefetch < 0 || config.MaxCacheSize < 0 {
		return nil, fmt.Errorf("dataloader: negative worker, prefetch or cache setting")
	}
	if config.NumWorkers == 0 {
		config.NumWorkers = DefaultWorkers()
	}
	if config.Prefetch == 0 {
		config.Prefetch = 2 * config.NumWorkers
	}

	cache := config.CacheManager
	if cache == nil && config.MaxCacheSize > 0 {
		cache = NewCacheManager(config.MaxCacheSize)
	}
	return &Loader{dataset: ds, config: config, cache: cache}, nil
}

// Len returns the number of batches per epoch. The last batch may be short.
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Order returns the sample order of an epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.dataset.Len()
	if !l.config.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(l.config.Seed + int64(epoch))).Perm(n)
}

// Stats returns cache statistics; the zero value when caching is off.
func (l *Loader) Stats() CacheStats {
	if l.cache == nil {
		return CacheStats{}
	}
	return l.cache.Stats()
}

// Batches starts the workers for one epoch. The iterator must be closed.
func (l *Loader) Batches(ctx context.Context, epoch int) (training.BatchIterator, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := &iterator{
		ctx:     ctx,
		cancel:  cancel,
		total:   l.Len(),
		tokens:  make(chan struct{}, l.config.Prefetch),
		results: make(chan result, l.config.Prefetch),
		pending: make(map[int]result),
	}

	order := l.Order(epoch)
	jobs := make(chan int)

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		for j := 0; j < it.total; j++ {
			select {
			case it.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < l.config.NumWorkers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for j := range jobs {
				start := j * l.config.BatchSize
				end := min(start+l.config.BatchSize, len(order))
				batch, err := l.load(order[start:end])
				select {
				case it.results <- result{index: j, batch: batch, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return it, nil
}

// load assembles one batch from the samples at indices.
func (l *Loader) load(indices []int) (*training.Batch, error) {
	shape := l.dataset.SampleShape()
	size := tensor.NumElements(shape)
	data := make([]float32, len(indices)*size)
	labels := make([]int, len(indices))

	for i, idx := range indices {
		sample, err := l.sample(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if len(sample.Data) != size {
			return nil, fmt.Errorf("sample %d has %d values, want %d", idx, len(sample.Data), size)
		}
		copy(data[i*size:], sample.Data)
		labels[i] = sample.Label
	}

	inputs, err := tensor.New(append([]int{len(indices)}, shape...), data)
	if err != nil {
		return nil, err
	}
	return &training.Batch{Inputs: inputs, Labels: labels}, nil
}

func (l *Loader) sample(idx int) (dataset.Sample, error) {
	if l.cache != nil {
		if s, ok := l.cache.Get(idx); ok {
			return s, nil
		}
	}
	s, err := l.dataset.Get(idx)
	if err != nil {
		return dataset.Sample{}, err
	}
	if l.cache != nil {
		l.cache.Put(idx, s)
	}
	return s, nil
}

type result struct {
	index int
	batch *training.Batch
	err   error
}

// iterator reorders worker results. A token is held for every batch that is
// dispatched but not yet returned by Next, bounding memory to Prefetch
// batches.
type iterator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tokens  chan struct{}
	results chan result
	pending map[int]result
	next    int
	total   int
	err     error
}

func (it *iterator) Next() (*training.Batch, error) {
	if it.err != nil {
		return nil, it.err
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return nil, err
	}
	if it.next >= it.total {
		return nil, io.EOF
	}
	for {
		if r, ok := it.pending[it.next]; ok {
			delete(it.pending, it.next)
			<-it.tokens
			if r.err != nil {
				it.err = fmt.Errorf("batch %d: %w", r.index, r.err)
				return nil, it.err
			}
			it.next++
			return r.batch, nil
		}
		select {
		case r := <-it.results:
			it.pending[r.index] = r
		case <-it.ctx.Done():
			it.err = it.ctx.Err()
			return nil, it.err
		}
	}
}

// Close stops the workers and waits for them to exit.
func (it *iterator) Close() error {
	it.cancel()
	it.wg.Wait()
	return nil
}
