package source

import (
	"errors"
	"sync"
)

var (
	// ErrEmpty is returned when navigating or reading an empty sequence.
	ErrEmpty = errors.New("source: empty sequence")
	// ErrNotNavigable is returned by providers without prev/next.
	ErrNotNavigable = errors.New("source: not navigable")
)

// Direction is a navigation request.
type Direction int

const (
	Next Direction = iota
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// Cursor is an ordered sequence of track identifiers with a current index.
// Moving past either end wraps around.
type Cursor struct {
	mu    sync.Mutex
	items []string
	index int
}

// NewCursor returns a cursor over items positioned on the first one.
func NewCursor(items ...string) *Cursor {
	return &Cursor{items: append([]string(nil), items...)}
}

// Add appends an identifier.
func (c *Cursor) Add(item string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

// Clear empties the cursor and rewinds it.
func (c *Cursor) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.index = 0
}

func (c *Cursor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cursor) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Items returns a copy of the sequence.
func (c *Cursor) Items() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

func (c *Cursor) Current() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return "", ErrEmpty
	}
	return c.items[c.index], nil
}

func (c *Cursor) Next() (string, error) {
	return c.Move(Next)
}

func (c *Cursor) Prev() (string, error) {
	return c.Move(Prev)
}

// Move steps one item in direction d and returns the new current item.
func (c *Cursor) Move(d Direction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	if n == 0 {
		return "", ErrEmpty
	}
	if d == Prev {
		c.index = (c.index - 1 + n) % n
	} else {
		c.index = (c.index + 1) % n
	}
	return c.items[c.index], nil
}

// StationList is a fixed sequence of station identifiers. It navigates like
// a Cursor but cannot be extended.
type StationList struct {
	c Cursor
}

func NewStationList(urls ...string) *StationList {
	return &StationList{c: Cursor{items: append([]string(nil), urls...)}}
}

func (s *StationList) Len() int                         { return s.c.Len() }
func (s *StationList) Index() int                       { return s.c.Index() }
func (s *StationList) Items() []string                  { return s.c.Items() }
func (s *StationList) Current() (string, error)         { return s.c.Current() }
func (s *StationList) Move(d Direction) (string, error) { return s.c.Move(d) }
