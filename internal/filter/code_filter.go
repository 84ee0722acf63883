package filter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// CodeFilter remembers every short code this process has seen.
// A negative answer is certain; a positive one must be confirmed against
// the link store. Deleted codes stay in the filter and only cost a lookup.
type CodeFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewCodeFilter sizes the filter for capacity codes at the given false positive rate
func NewCodeFilter(capacity uint, fpRate float64) *CodeFilter {
	return &CodeFilter{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

// Add records a short code
func (f *CodeFilter) Add(shortCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(shortCode)
}

// AddBatch records many short codes under one lock
func (f *CodeFilter) AddBatch(shortCodes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range shortCodes {
		f.filter.AddString(code)
	}
}

// MayExist returns false only when shortCode was never added
func (f *CodeFilter) MayExist(shortCode string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(shortCode)
}
