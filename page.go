package ecryptfs

import (
	"sync"
	"sync/atomic"
)

const (
	pageLocked uint32 = 1 << iota
	pageUptodate
	pageDirty
)

// Page is one cached page of an upper file, identified by (inode, index).
// Content may only be touched while the page is locked.
type Page struct {
	Index uint64

	mu      sync.Mutex
	flags   atomic.Uint32
	refs    atomic.Int32
	data    []byte
	mapping *Mapping
}

func newPage(m *Mapping, index uint64) *Page {
	return &Page{
		Index:   index,
		data:    make([]byte, m.pageSize),
		mapping: m,
	}
}

// Lock acquires the page lock
func (p *Page) Lock() {
	p.mu.Lock()
	p.setFlag(pageLocked)
}

// Unlock releases the page lock
func (p *Page) Unlock() {
	p.clearFlag(pageLocked)
	p.mu.Unlock()
}

// Locked reports whether the page is currently locked
func (p *Page) Locked() bool { return p.hasFlag(pageLocked) }

// Uptodate reports whether the content matches the logical file content
func (p *Page) Uptodate() bool { return p.hasFlag(pageUptodate) }

// SetUptodate marks the content valid
func (p *Page) SetUptodate() { p.setFlag(pageUptodate) }

// ClearUptodate marks the content invalid
func (p *Page) ClearUptodate() { p.clearFlag(pageUptodate) }

// Dirty reports whether the page awaits writeback
func (p *Page) Dirty() bool { return p.hasFlag(pageDirty) }

// SetDirty marks the page for writeback
func (p *Page) SetDirty() { p.setFlag(pageDirty) }

// ClearDirty clears the writeback mark and reports whether it was set
func (p *Page) ClearDirty() bool {
	for {
		old := p.flags.Load()
		if old&pageDirty == 0 {
			return false
		}
		if p.flags.CompareAndSwap(old, old&^pageDirty) {
			return true
		}
	}
}

// Data returns the page content. The caller must hold the page lock.
func (p *Page) Data() []byte { return p.data }

// Zero clears the content in [from, to)
func (p *Page) Zero(from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(p.data) {
		to = len(p.data)
	}
	if from >= to {
		return
	}
	clear(p.data[from:to])
}

// Release drops the reference taken by Mapping.Grab or Mapping.Get
func (p *Page) Release() {
	p.refs.Add(-1)
}

// Refs returns the number of outstanding references
func (p *Page) Refs() int { return int(p.refs.Load()) }

func (p *Page) hasFlag(f uint32) bool { return p.flags.Load()&f != 0 }

func (p *Page) setFlag(f uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (p *Page) clearFlag(f uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}
