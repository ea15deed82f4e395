package sstable

import (
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

// Per-table Bloom filter, persisted to a sidecar file next to the .sst.
// False positives cost one wasted index probe; false negatives are forbidden,
// so a filter that cannot be loaded is rebuilt from the table's records
// rather than skipped.

func newFilter(n int, fpRate float64) *bloom.BloomFilter {
	if n < 1 {
		n = 1
	}
	return bloom.NewWithEstimates(uint(n), fpRate)
}

func writeFilter(path string, f *bloom.BloomFilter) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "sstable: create bloom sidecar")
	}
	if _, err := f.WriteTo(file); err != nil {
		file.Close()
		return errors.Wrap(err, "sstable: write bloom sidecar")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errors.Wrap(err, "sstable: sync bloom sidecar")
	}
	return file.Close()
}

func readFilter(path string) (*bloom.BloomFilter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var f bloom.BloomFilter
	if _, err := f.ReadFrom(file); err != nil {
		return nil, errors.Wrap(err, "sstable: read bloom sidecar")
	}
	return &f, nil
}
