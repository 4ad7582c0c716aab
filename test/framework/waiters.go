package framework

import (
	"context"
	"fmt"
	"time"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with sensible defaults (30s timeout, 1s interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, 1*time.Second)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForVatHealthy waits for a vat's supervisor connection to answer a
// liveness ping healthy, the observable sign that its worker process has
// finished starting (or restarting).
func (w *Waiter) WaitForVatHealthy(ctx context.Context, client *Client, vatID string) error {
	return w.WaitFor(ctx, func() bool {
		result, err := client.PingVat(ctx, vatID)
		return err == nil && result.Healthy
	}, fmt.Sprintf("vat %s to answer healthy", vatID))
}

// WaitForVatUnhealthy waits for a vat to stop answering healthy pings,
// e.g. immediately after TerminateVat or mid-restart.
func (w *Waiter) WaitForVatUnhealthy(ctx context.Context, client *Client, vatID string) error {
	return w.WaitFor(ctx, func() bool {
		result, err := client.PingVat(ctx, vatID)
		return err != nil || !result.Healthy
	}, fmt.Sprintf("vat %s to stop answering healthy", vatID))
}

// WaitForQueueDrained waits for both the run queue and the acceptance
// queue to report zero depth, i.e. for the kernel to have settled all
// outstanding cranks.
func (w *Waiter) WaitForQueueDrained(ctx context.Context, client *Client) error {
	return w.WaitFor(ctx, func() bool {
		status, err := client.GetStatus(ctx)
		if err != nil {
			return false
		}
		return status.RunqueueDepth == 0 && status.AcceptanceQueueDepth == 0
	}, "run queue and acceptance queue to drain")
}

// WaitForVatCount waits for the kernel's vat population to reach count,
// the observable effect of a GC sweep retiring unreferenced vats or of a
// subcluster finishing termination.
func (w *Waiter) WaitForVatCount(ctx context.Context, client *Client, count int) error {
	return w.WaitFor(ctx, func() bool {
		status, err := client.GetStatus(ctx)
		if err != nil {
			return false
		}
		return status.VatCount == count
	}, fmt.Sprintf("kernel to report %d vats", count))
}

// WaitForConditionWithRetry waits for a condition with exponential backoff retry
func (w *Waiter) WaitForConditionWithRetry(ctx context.Context, condition func() (bool, error), description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	interval := w.interval
	maxInterval := 10 * time.Second

	for {
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("error checking condition '%s': %w", description, err)
		}

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-time.After(interval):
			// Exponential backoff
			interval = interval * 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}

// PollUntil polls a condition until it returns true or context is cancelled
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// PollUntilWithError polls a condition that can return an error
func PollUntilWithError(ctx context.Context, interval time.Duration, condition func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if ok, err := condition(); err != nil {
		return err
	} else if ok {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ok, err := condition(); err != nil {
				return err
			} else if ok {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
