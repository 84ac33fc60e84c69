package ecryptfs

import (
	"sync"

	"github.com/google/btree"
)

// Mapping is the page cache of one upper inode. Pages are kept in a B-tree
// ordered by index so writeback and truncation walk them in file order.
type Mapping struct {
	mu       sync.Mutex
	pages    *btree.BTreeG[*Page]
	pageSize int
	err      error // deferred writeback error
}

func newMapping(pageSize int) *Mapping {
	return &Mapping{
		pages: btree.NewG[*Page](16, func(a, b *Page) bool {
			return a.Index < b.Index
		}),
		pageSize: pageSize,
	}
}

// PageSize returns the size of the pages in this mapping
func (m *Mapping) PageSize() int { return m.pageSize }

// Grab finds or allocates the page at index and returns it locked and
// referenced. The caller must Unlock and Release it.
func (m *Mapping) Grab(index uint64) *Page {
	p := m.Get(index)
	p.Lock()
	return p
}

// Get finds or allocates the page at index and returns it referenced but
// unlocked
func (m *Mapping) Get(index uint64) *Page {
	m.mu.Lock()
	p, ok := m.pages.Get(&Page{Index: index})
	if !ok {
		p = newPage(m, index)
		m.pages.ReplaceOrInsert(p)
	}
	p.refs.Add(1)
	m.mu.Unlock()
	return p
}

// Lookup returns the cached page at index without allocating
func (m *Mapping) Lookup(index uint64) (*Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages.Get(&Page{Index: index})
}

// Len returns the number of cached pages
func (m *Mapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages.Len()
}

// dirtyPages returns the dirty pages in index order, each referenced
func (m *Mapping) dirtyPages() []*Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pages []*Page
	m.pages.Ascend(func(p *Page) bool {
		if p.Dirty() {
			p.refs.Add(1)
			pages = append(pages, p)
		}
		return true
	})
	return pages
}

// invalidateFrom drops every cached page with index >= from. Each page is
// locked before removal so in-flight users finish first.
func (m *Mapping) invalidateFrom(from uint64) {
	m.mu.Lock()
	var victims []*Page
	m.pages.AscendGreaterOrEqual(&Page{Index: from}, func(p *Page) bool {
		victims = append(victims, p)
		return true
	})
	for _, p := range victims {
		m.pages.Delete(p)
	}
	m.mu.Unlock()

	for _, p := range victims {
		p.Lock()
		p.ClearDirty()
		p.ClearUptodate()
		p.Unlock()
	}
}

// SetError records a deferred error against the mapping
func (m *Mapping) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// CheckError returns and clears the deferred error
func (m *Mapping) CheckError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.err
	m.err = nil
	return err
}
