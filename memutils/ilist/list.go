// Package ilist implements an intrusive doubly-linked list. Records carry their own Links, so
// that pushing and removing never allocates and a record can unlink itself in O(1) without
// searching the list.
package ilist

import "github.com/cockroachdb/errors"

// Links must be embedded in (or otherwise owned by) every record stored in a List
type Links[T any] struct {
	prev   *T
	next   *T
	linked bool
}

// List is an intrusive doubly-linked list of *T. It is not safe for concurrent use.
type List[T any] struct {
	head  *T
	tail  *T
	count int
	links func(item *T) *Links[T]
}

// New creates an empty list. The links function must return the same Links for a given record
// every time it is called.
func New[T any](links func(item *T) *Links[T]) List[T] {
	return List[T]{links: links}
}

func (l *List[T]) Len() int        { return l.count }
func (l *List[T]) IsEmpty() bool   { return l.count == 0 }
func (l *List[T]) Front() *T       { return l.head }
func (l *List[T]) Back() *T        { return l.tail }
func (l *List[T]) Next(item *T) *T { return l.links(item).next }
func (l *List[T]) Prev(item *T) *T { return l.links(item).prev }

func (l *List[T]) checkUnlinked(item *T) error {
	if item == nil {
		return errors.New("cannot insert a nil item")
	}
	if l.links(item).linked {
		return errors.New("item is already linked into a list")
	}
	return nil
}

func (l *List[T]) PushBack(item *T) error {
	if err := l.checkUnlinked(item); err != nil {
		return err
	}

	links := l.links(item)
	links.linked = true
	links.prev = l.tail
	links.next = nil

	if l.tail != nil {
		l.links(l.tail).next = item
	} else {
		l.head = item
	}
	l.tail = item
	l.count++

	return nil
}

func (l *List[T]) PushFront(item *T) error {
	if err := l.checkUnlinked(item); err != nil {
		return err
	}

	links := l.links(item)
	links.linked = true
	links.prev = nil
	links.next = l.head

	if l.head != nil {
		l.links(l.head).prev = item
	} else {
		l.tail = item
	}
	l.head = item
	l.count++

	return nil
}

// InsertBefore links item into the list immediately before existing. If existing is nil, item is
// pushed to the back.
func (l *List[T]) InsertBefore(existing *T, item *T) error {
	if existing == nil {
		return l.PushBack(item)
	}
	if err := l.checkUnlinked(item); err != nil {
		return err
	}

	existingLinks := l.links(existing)
	links := l.links(item)
	links.linked = true
	links.prev = existingLinks.prev
	links.next = existing

	if existingLinks.prev != nil {
		l.links(existingLinks.prev).next = item
	} else {
		l.head = item
	}
	existingLinks.prev = item
	l.count++

	return nil
}

// InsertAfter links item into the list immediately after existing. If existing is nil, item is
// pushed to the front.
func (l *List[T]) InsertAfter(existing *T, item *T) error {
	if existing == nil {
		return l.PushFront(item)
	}
	if err := l.checkUnlinked(item); err != nil {
		return err
	}

	existingLinks := l.links(existing)
	links := l.links(item)
	links.linked = true
	links.prev = existing
	links.next = existingLinks.next

	if existingLinks.next != nil {
		l.links(existingLinks.next).prev = item
	} else {
		l.tail = item
	}
	existingLinks.next = item
	l.count++

	return nil
}

// Remove unlinks item from the list and clears its links
func (l *List[T]) Remove(item *T) error {
	links := l.links(item)
	if !links.linked {
		return errors.New("item is not linked into a list")
	}

	if links.prev != nil {
		l.links(links.prev).next = links.next
	} else {
		l.head = links.next
	}

	if links.next != nil {
		l.links(links.next).prev = links.prev
	} else {
		l.tail = links.prev
	}

	*links = Links[T]{}
	l.count--

	return nil
}
