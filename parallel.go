package ecryptfs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel page writeback
type ParallelConfig struct {
	// Enabled enables parallel writeback
	Enabled bool

	// MaxWorkers is the maximum number of pages encrypted at once
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinPagesForParallel is the minimum number of dirty pages to use parallel writeback
	// Below this threshold, pages are written back one at a time
	// Defaults to 4
	MinPagesForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinPagesForParallel < 1 {
		return errors.New("parallel min pages threshold must be at least 1")
	}
	if p.MinPagesForParallel > 1000 {
		return errors.New("parallel min pages threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel writeback configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:             true,
		MaxWorkers:          runtime.NumCPU(),
		MinPagesForParallel: 4,
	}
}

// workers returns the writeback concurrency for n dirty pages
func (p ParallelConfig) workers(n int) int {
	if !p.Enabled || n < p.MinPagesForParallel {
		return 1
	}
	w := p.MaxWorkers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	return w
}

// Writepages writes every dirty page of the inode back to the lower file,
// encrypting it first when the inode is encrypted. A page that fails is
// marked not uptodate, its error is recorded on the mapping, and writeback
// continues with the remaining pages. The returned error combines every
// page failure.
func (ino *Inode) Writepages() error {
	pages := ino.mapping.dirtyPages()
	if len(pages) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(ino.parallel.workers(len(pages)))
	for _, page := range pages {
		page := page
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in writeback worker: %v", r)
					record(err)
					ino.mapping.SetError(err)
				}
			}()
			if err := ino.writepage(page); err != nil {
				record(err)
			}
			// Failures are collected in errs so every page gets its turn.
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

// writepage writes back one referenced page and releases it
func (ino *Inode) writepage(page *Page) error {
	defer page.Release()
	page.Lock()
	defer page.Unlock()

	if !page.ClearDirty() {
		return nil
	}
	log := ino.log.WithField("index", page.Index)

	var err error
	if ino.stat.Snapshot().Has(FlagEncrypted) {
		err = ino.EncryptPage(page)
	} else {
		err = ino.writeLowerPageSegment(page, 0, ino.validBytes(page))
	}
	if err != nil {
		log.WithError(err).Warn("Error encrypting page")
		page.ClearUptodate()
		ino.mapping.SetError(err)
		return err
	}
	return nil
}

// validBytes returns how much of page lies below the upper file size
func (ino *Inode) validBytes(page *Page) int {
	start := int64(page.Index) * int64(ino.pageSize)
	n := ino.Size() - start
	switch {
	case n <= 0:
		return 0
	case n > int64(ino.pageSize):
		return ino.pageSize
	default:
		return int(n)
	}
}
