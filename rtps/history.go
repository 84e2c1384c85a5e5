package rtps

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type ChangeKind uint8

const (
	ChangeAlive ChangeKind = iota
	ChangeNotAliveDisposed
	ChangeNotAliveUnregistered
	// ChangeLost is a tombstone for a sample the writer declared it will
	// never deliver.
	ChangeLost
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAlive:
		return "ALIVE"
	case ChangeNotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case ChangeNotAliveUnregistered:
		return "NOT_ALIVE_UNREGISTERED"
	case ChangeLost:
		return "LOST"
	}
	return "UNKNOWN"
}

// CacheChange is one sample or lifecycle marker. It is not modified once
// inserted into a cache.
type CacheChange struct {
	Kind            ChangeKind
	WriterGUID      GUID
	SequenceNumber  SeqNum
	KeyHash         [16]byte
	Payload         []byte
	SourceTimestamp time.Time
}

func changeLess(a, b *CacheChange) int {
	switch {
	case a.SequenceNumber < b.SequenceNumber:
		return -1
	case a.SequenceNumber > b.SequenceNumber:
		return 1
	}
	return compareGUID(a.WriterGUID, b.WriterGUID)
}

func compareGUID(a, b GUID) int {
	for i := range a.Prefix {
		if a.Prefix[i] != b.Prefix[i] {
			if a.Prefix[i] < b.Prefix[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.EntityID < b.EntityID:
		return -1
	case a.EntityID > b.EntityID:
		return 1
	}
	return 0
}

type cacheSide int

const (
	writerSide cacheSide = iota
	readerSide
)

// HistoryCache is an ordered store of changes belonging to one endpoint.
//
// A writer-side cache accepts only consecutive sequence numbers. A
// reader-side cache holds changes of several writers ordered by
// (sequence number, writer) and ignores duplicates. When depth is non-zero
// the oldest changes are evicted past the bound (per writer on the reader
// side), skipping any change the retain func wants kept.
type HistoryCache struct {
	side    cacheSide
	depth   int
	changes []*CacheChange
	lastSN  SeqNum
	counts  map[GUID]int
	retain  func(*CacheChange) bool
}

func newWriterHistory(depth int) *HistoryCache {
	return &HistoryCache{side: writerSide, depth: depth}
}

func newReaderHistory(depth int) *HistoryCache {
	return &HistoryCache{side: readerSide, depth: depth, counts: make(map[GUID]int)}
}

// Len returns the number of changes held.
func (hc *HistoryCache) Len() int {
	return len(hc.changes)
}

// LastSN returns the last sequence number inserted into a writer cache.
func (hc *HistoryCache) LastSN() SeqNum {
	return hc.lastSN
}

// Min returns the lowest sequence number held, or 0 when empty.
func (hc *HistoryCache) Min() SeqNum {
	if len(hc.changes) == 0 {
		return 0
	}
	return hc.changes[0].SequenceNumber
}

// Max returns the highest sequence number held, or 0 when empty.
func (hc *HistoryCache) Max() SeqNum {
	if len(hc.changes) == 0 {
		return 0
	}
	return hc.changes[len(hc.changes)-1].SequenceNumber
}

func (hc *HistoryCache) search(c *CacheChange) (int, bool) {
	return slices.BinarySearchFunc(hc.changes, c, changeLess)
}

// Insert adds a change. It returns the changes evicted to honour the depth
// bound. A writer cache fails with ErrOutOfOrder unless the sequence
// number follows the last one inserted. A reader cache reports inserted
// false for a duplicate.
func (hc *HistoryCache) Insert(c *CacheChange) (inserted bool, evicted []*CacheChange, err error) {
	if hc.side == writerSide {
		if c.SequenceNumber != hc.lastSN+1 {
			return false, nil, errors.Wrapf(ErrOutOfOrder, "got %d, expected %d", c.SequenceNumber, hc.lastSN+1)
		}
		hc.lastSN = c.SequenceNumber
		hc.changes = append(hc.changes, c)
		return true, hc.evict(c.WriterGUID), nil
	}

	i, found := hc.search(c)
	if found {
		return false, nil, nil
	}
	hc.changes = slices.Insert(hc.changes, i, c)
	hc.counts[c.WriterGUID]++
	return true, hc.evict(c.WriterGUID), nil
}

func (hc *HistoryCache) over(w GUID) bool {
	if hc.depth <= 0 {
		return false
	}
	if hc.side == writerSide {
		return len(hc.changes) > hc.depth
	}
	return hc.counts[w] > hc.depth
}

func (hc *HistoryCache) evict(w GUID) []*CacheChange {
	var evicted []*CacheChange
	// a writer never evicts the change it just wrote
	keep := 0
	if hc.side == writerSide {
		keep = 1
	}
	i := 0
	for hc.over(w) && i < len(hc.changes)-keep {
		c := hc.changes[i]
		if (hc.side == readerSide && c.WriterGUID != w) || (hc.retain != nil && hc.retain(c)) {
			i++
			continue
		}
		hc.removeAt(i)
		evicted = append(evicted, c)
	}
	return evicted
}

func (hc *HistoryCache) removeAt(i int) {
	c := hc.changes[i]
	hc.changes = slices.Delete(hc.changes, i, i+1)
	if hc.counts != nil {
		if hc.counts[c.WriterGUID]--; hc.counts[c.WriterGUID] <= 0 {
			delete(hc.counts, c.WriterGUID)
		}
	}
}

// Get returns the change with the given sequence number. On a reader cache
// with several writers the first match wins; use GetFromWriter there.
func (hc *HistoryCache) Get(sn SeqNum) (*CacheChange, bool) {
	i, _ := slices.BinarySearchFunc(hc.changes, sn, func(c *CacheChange, sn SeqNum) int {
		switch {
		case c.SequenceNumber < sn:
			return -1
		case c.SequenceNumber > sn:
			return 1
		}
		return 0
	})
	if i < len(hc.changes) && hc.changes[i].SequenceNumber == sn {
		return hc.changes[i], true
	}
	return nil, false
}

// GetFromWriter returns the change keyed by (writer, sn).
func (hc *HistoryCache) GetFromWriter(w GUID, sn SeqNum) (*CacheChange, bool) {
	i, found := hc.search(&CacheChange{WriterGUID: w, SequenceNumber: sn})
	if !found {
		return nil, false
	}
	return hc.changes[i], true
}

// Remove deletes the change keyed by (writer, sn).
func (hc *HistoryCache) Remove(w GUID, sn SeqNum) bool {
	i, found := hc.search(&CacheChange{WriterGUID: w, SequenceNumber: sn})
	if found {
		hc.removeAt(i)
	}
	return found
}

// RemoveBefore deletes every change with a sequence number below sn and
// returns how many were removed.
func (hc *HistoryCache) RemoveBefore(sn SeqNum) int {
	n := 0
	for len(hc.changes) > 0 && hc.changes[0].SequenceNumber < sn {
		hc.removeAt(0)
		n++
	}
	return n
}

// RemoveWriter deletes every change of one writer.
func (hc *HistoryCache) RemoveWriter(w GUID) int {
	n := 0
	for i := 0; i < len(hc.changes); {
		if hc.changes[i].WriterGUID == w {
			hc.removeAt(i)
			n++
			continue
		}
		i++
	}
	return n
}

// Clear drops every change.
func (hc *HistoryCache) Clear() {
	hc.changes = nil
	if hc.counts != nil {
		hc.counts = make(map[GUID]int)
	}
}

// IterFrom returns an iterator over changes with sequence number >= sn in
// cache order. The iterator is lazy: it looks up its position on every
// call, so changes inserted or removed meanwhile are observed.
func (hc *HistoryCache) IterFrom(sn SeqNum) *Iterator {
	return &Iterator{hc: hc, from: sn}
}

// Iterator walks a HistoryCache. It is finite and can be restarted.
type Iterator struct {
	hc      *HistoryCache
	from    SeqNum
	last    *CacheChange
	started bool
}

// Next returns the next change, or false when the end is reached.
func (it *Iterator) Next() (*CacheChange, bool) {
	var i int
	if !it.started {
		i, _ = slices.BinarySearchFunc(it.hc.changes, &CacheChange{SequenceNumber: it.from}, changeLess)
	} else {
		var found bool
		i, found = it.hc.search(it.last)
		if found {
			i++
		}
	}
	if i >= len(it.hc.changes) {
		return nil, false
	}
	it.started = true
	it.last = it.hc.changes[i]
	return it.last, true
}

// Reset restarts the iteration at the original sequence number.
func (it *Iterator) Reset() {
	it.started = false
	it.last = nil
}
