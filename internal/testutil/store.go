// Package testutil provides store fakes and fixtures shared by tests.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

// Method names a store.Store method.
type Method string

const (
	MethodInsert    Method = "insert"
	MethodUpdate    Method = "update"
	MethodDelete    Method = "delete"
	MethodSelectOne Method = "select_one"
	MethodSelect    Method = "select"
)

type fault struct {
	nth int // 1-based call number, 0 for every call
	err error
}

// FaultyStore wraps a store and fails chosen calls. It exposes only the
// store.Store methods, so a wrapped Transactor or Batcher loses those
// capabilities.
//
// Thread-safety: safe for concurrent use.
type FaultyStore struct {
	inner store.Store

	mu     sync.Mutex
	calls  map[Method]int
	faults map[Method]fault
}

var _ store.Store = (*FaultyStore)(nil)

// NewFaultyStore wraps inner.
func NewFaultyStore(inner store.Store) *FaultyStore {
	return &FaultyStore{
		inner:  inner,
		calls:  make(map[Method]int),
		faults: make(map[Method]fault),
	}
}

// Fail makes the nth call of m (counting from 1, including calls already
// made) return err. nth 0 fails every call from now on.
func (s *FaultyStore) Fail(m Method, nth int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[m] = fault{nth: nth, err: err}
}

// Heal removes every injected fault.
func (s *FaultyStore) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Method]fault)
}

// Calls returns how many times m was called.
func (s *FaultyStore) Calls(m Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[m]
}

// TotalCalls returns the number of calls across all methods.
func (s *FaultyStore) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *FaultyStore) enter(m Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[m]++
	f, ok := s.faults[m]
	if !ok {
		return nil
	}
	if f.nth == 0 || f.nth == s.calls[m] {
		return f.err
	}
	return nil
}

func (s *FaultyStore) InsertRows(ctx context.Context, t *schema.Table, rows ...record.Row) ([]record.Row, error) {
	if err := s.enter(MethodInsert); err != nil {
		return nil, err
	}
	return s.inner.InsertRows(ctx, t, rows...)
}

func (s *FaultyStore) UpdateRows(ctx context.Context, t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error) {
	if err := s.enter(MethodUpdate); err != nil {
		return nil, err
	}
	return s.inner.UpdateRows(ctx, t, sel, patch)
}

func (s *FaultyStore) DeleteRows(ctx context.Context, t *schema.Table, sel selector.Predicate) error {
	if err := s.enter(MethodDelete); err != nil {
		return err
	}
	return s.inner.DeleteRows(ctx, t, sel)
}

func (s *FaultyStore) SelectOne(ctx context.Context, t *schema.Table, sel selector.Predicate) (record.Row, bool, error) {
	if err := s.enter(MethodSelectOne); err != nil {
		return nil, false, err
	}
	return s.inner.SelectOne(ctx, t, sel)
}

func (s *FaultyStore) SelectRows(ctx context.Context, t *schema.Table, sel selector.Predicate) ([]record.Row, error) {
	if err := s.enter(MethodSelect); err != nil {
		return nil, err
	}
	return s.inner.SelectRows(ctx, t, sel)
}
