package util

import (
	"context"
	"errors"
	"time"
)

// BlockingCell is a one-shot container: Set may be called once, Get blocks
// until a value has been set.
type BlockingCell struct {
	valueChan chan interface{}
	set       bool
}

// NewBlockingCell creates a new blocking cell.
func NewBlockingCell() *BlockingCell {
	return &BlockingCell{
		valueChan: make(chan interface{}, 1),
	}
}

// Set sets the value in the cell. Returns an error if already set.
func (c *BlockingCell) Set(value interface{}) error {
	if c.set {
		return errors.New("cell already set")
	}
	c.set = true
	c.valueChan <- value
	return nil
}

// Get returns the value, blocking if not yet set.
func (c *BlockingCell) Get() interface{} {
	return <-c.valueChan
}

// GetWithTimeout returns the value or times out.
func (c *BlockingCell) GetWithTimeout(timeout time.Duration) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-time.After(timeout):
		return nil, errors.New("timeout")
	}
}

// GetWithContext returns the value or is cancelled via ctx.
func (c *BlockingCell) GetWithContext(ctx context.Context) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
