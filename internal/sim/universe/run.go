package universe

import (
	"context"
	"errors"
	"time"
)

var ErrStopped = errors.New("universe stopped")

// Run ticks the universe at the configured rate until ctx is done or Stop is called. All
// world access from other goroutines goes through Do, which runs on this loop.
func (u *Universe) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(u.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stop:
			return nil
		case fn := <-u.ops:
			fn()
		case <-ticker.C:
			u.Tick()
		}
	}
}

func (u *Universe) Stop() { close(u.stop) }

// Do runs fn on the Run loop and waits for it to return.
func (u *Universe) Do(ctx context.Context, fn func(u *Universe) error) error {
	done := make(chan error, 1)
	op := func() { done <- fn(u) }
	select {
	case <-u.stop:
		return ErrStopped
	default:
	}
	select {
	case u.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-u.stop:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-u.stop:
		return ErrStopped
	}
}
