package mapstore

import (
	"errors"
	"regexp"
	"strings"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// FindType selects how Find matches keys.
type FindType int

const (
	// FindRegex matches keys against a regular expression
	FindRegex FindType = iota
	// FindExact matches the literal key
	FindExact
	// FindPrefix matches keys containing the expression
	FindPrefix
	// FindNext returns the key after the begin position
	FindNext
)

var (
	// ErrPositionOutOfRange indicates a position at or past the key count
	ErrPositionOutOfRange = errors.New("position out of range")
	// ErrIndexKeyExists indicates a duplicate insert
	ErrIndexKeyExists = errors.New("key already in index")
	// ErrNoMatch indicates that no key in the scanned range matched
	ErrNoMatch = errors.New("no key matched")
)

// Index is a sorted in-memory key index over a red-black tree, with
// positional access: position i is the i-th key in ascending order.
type Index struct {
	tree *redblacktree.Tree
}

// NewIndex builds an empty index.
func NewIndex() *Index {
	return &Index{tree: redblacktree.NewWith(utils.StringComparator)}
}

// Insert adds a key. Duplicate inserts fail.
func (index *Index) Insert(key string) error {
	if _, ok := index.tree.Get(key); ok {
		return ErrIndexKeyExists
	}

	index.tree.Put(key, nil)

	return nil
}

// Erase removes a key. Removing an absent key has no effect.
func (index *Index) Erase(key string) {
	index.tree.Remove(key)
}

// Clear empties the index.
func (index *Index) Clear() {
	index.tree.Clear()
}

// Count returns the number of keys.
func (index *Index) Count() uint64 {
	return uint64(index.tree.Size())
}

// Get returns the key at a position in ascending order.
func (index *Index) Get(position uint64) (string, error) {
	if position >= uint64(index.tree.Size()) {
		return "", ErrPositionOutOfRange
	}

	it := index.tree.Iterator()

	for i := uint64(0); it.Next(); i++ {
		if i == position {
			return it.Key().(string), nil
		}
	}

	return "", ErrPositionOutOfRange
}

// Find scans positions [beginPosition, endPosition] for the first key
// matching the expression under the find type, returning the key and
// the position it was found at. The end position is an inclusive input
// bound; the returned position is where the scan stopped.
func (index *Index) Find(expression string, beginPosition uint64, findType FindType, endPosition uint64) (string, uint64, error) {
	size := uint64(index.tree.Size())

	if beginPosition >= size || endPosition >= size {
		return "", 0, ErrPositionOutOfRange
	}

	if findType == FindNext {
		key, err := index.Get(beginPosition + 1)

		if err != nil {
			return "", 0, err
		}

		return key, beginPosition + 1, nil
	}

	var match func(string) bool

	switch findType {
	case FindRegex:
		r, err := regexp.Compile(expression)

		if err != nil {
			return "", 0, err
		}

		match = r.MatchString
	case FindExact:
		match = func(key string) bool { return key == expression }
	case FindPrefix:
		match = func(key string) bool { return strings.Contains(key, expression) }
	default:
		return "", 0, ErrNoMatch
	}

	it := index.tree.Iterator()

	for i := uint64(0); it.Next(); i++ {
		if i < beginPosition {
			continue
		}

		if i > endPosition {
			break
		}

		if key := it.Key().(string); match(key) {
			return key, i, nil
		}
	}

	return "", 0, ErrNoMatch
}

// ForEach visits keys in ascending order.
func (index *Index) ForEach(fn func(key string) bool) {
	it := index.tree.Iterator()

	for it.Next() {
		if !fn(it.Key().(string)) {
			return
		}
	}
}
