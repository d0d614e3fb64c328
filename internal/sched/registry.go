package sched

import (
	"io"
	"sync"
)

// registry 按 worker 编号惰性创建、随 worker 释放的资源表
type registry[T io.Closer] struct {
	mu    sync.Mutex
	items map[int]T
	newFn func(id int) (T, error)
}

func newRegistry[T io.Closer](mk func(id int) (T, error)) *registry[T] {
	return &registry[T]{items: make(map[int]T), newFn: mk}
}

func (r *registry[T]) get(id int) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[id]; ok {
		return v, nil
	}
	v, err := r.newFn(id)
	if err != nil {
		var zero T
		return zero, err
	}
	r.items[id] = v
	return v, nil
}

func (r *registry[T]) drop(id int) {
	r.mu.Lock()
	v, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok {
		v.Close()
	}
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
