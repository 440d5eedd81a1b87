package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"portalchat/internal/domain"
)

// ConversationLocks gives each conversation a single writer. Writers in
// different conversations never wait on each other.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[int64]*convLock
}

type convLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[int64]*convLock)}
}

// Acquire blocks until the conversation is free or ctx ends. The returned
// func releases the lock and must be called exactly once.
func (l *ConversationLocks) Acquire(ctx context.Context, conversationID int64) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[conversationID]
	if !ok {
		lk = &convLock{sem: semaphore.NewWeighted(1)}
		l.locks[conversationID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.unref(conversationID, lk)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: conversation %d busy", domain.ErrTimeout, conversationID)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			l.unref(conversationID, lk)
		})
	}, nil
}

func (l *ConversationLocks) unref(conversationID int64, lk *convLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, conversationID)
	}
	l.mu.Unlock()
}

// Len reports how many conversations currently hold or await a lock.
func (l *ConversationLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
