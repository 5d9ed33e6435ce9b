package link

import (
	"context"
	"sync"
)

// Token is the completion handle for one asynchronous link operation.
// It completes exactly once; later Complete calls are ignored.
type Token struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewToken returns an incomplete token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Completed returns a token that has already completed with err.
func Completed(err error) *Token {
	t := NewToken()
	t.Complete(err)
	return t
}

// Complete resolves the token. It reports whether this call did the
// resolving, so racing completers can tell who won.
func (t *Token) Complete(err error) bool {
	won := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		won = true
	})
	return won
}

// Done returns a channel closed when the token completes.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the completion error. It is nil while the token is pending.
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// IsComplete reports whether the token has completed.
func (t *Token) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the token completes or ctx is done.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
