// Package hooks provides ordered interception chains around message handling.
//
// A before chain can rewrite or reject an incoming message before it reaches
// the agent; an after chain can rewrite or suppress the agent's reply before
// it reaches the user.
package hooks

import (
	"context"
	"errors"
)

// ErrDenied is returned by a hook to stop the chain and drop the message.
// Hooks wrap it with fmt.Errorf("...: %w", ErrDenied) to say why.
var ErrDenied = errors.New("denied by hook")

// Hook inspects a value for one user and returns the value to pass onward.
// Returning a non-nil error stops the chain. Returning a nil pointer with a
// nil error passes the input through unchanged.
type Hook[T any] func(ctx context.Context, userID int64, v *T) (*T, error)

// Chain runs hooks in registration order.
type Chain[T any] struct {
	hooks []Hook[T]
}

// NewChain builds a chain from the given hooks.
func NewChain[T any](hooks ...Hook[T]) *Chain[T] {
	return &Chain[T]{hooks: hooks}
}

// Append registers another hook at the end of the chain.
func (c *Chain[T]) Append(h Hook[T]) {
	c.hooks = append(c.hooks, h)
}

// Len returns the number of registered hooks.
func (c *Chain[T]) Len() int {
	return len(c.hooks)
}

// Run threads v through every hook in order. The first error short-circuits
// the chain and is returned with v unchanged from the caller's perspective.
func (c *Chain[T]) Run(ctx context.Context, userID int64, v *T) (*T, error) {
	current := v
	for _, h := range c.hooks {
		next, err := h(ctx, userID, current)
		if err != nil {
			return nil, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}
