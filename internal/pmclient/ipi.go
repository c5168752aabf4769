package pmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Response is the decoded response slot.
type Response struct {
	Status Status
	// Value is the second response word, valid when HasValue is set.
	Value    uint32
	HasValue bool
}

// Wait blocks until the controller has drained any prior request on proc's
// channel.
func (c *Client) Wait(ctx context.Context, proc Proc) error {
	if proc.IPI == nil {
		return fmt.Errorf("pmclient: %s has no IPI channel", proc.Node)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.waitIdle(ctx, proc)
}

// Send waits for the channel to drain, writes payload into the request slot
// and raises the controller's interrupt. It does not wait for the response.
func (c *Client) Send(ctx context.Context, proc Proc, payload Payload) error {
	if proc.IPI == nil {
		return fmt.Errorf("pmclient: %s has no IPI channel", proc.Node)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sendLocked(ctx, proc, payload)
}

// ReadResponse waits for the controller to finish and reads the response
// slot. The second word is only read when wantValue is set.
func (c *Client) ReadResponse(ctx context.Context, proc Proc, wantValue bool) (Response, error) {
	if proc.IPI == nil {
		return Response{}, fmt.Errorf("pmclient: %s has no IPI channel", proc.Node)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.readLocked(ctx, proc, wantValue)
}

// Call sends payload and reads the matching response without releasing the
// lock in between, so no other core's request can overwrite the response.
// With a breaker policy, repeated timeouts make Call fail fast with
// ErrControllerUnavailable.
func (c *Client) Call(ctx context.Context, proc Proc, payload Payload, wantValue bool) (Response, error) {
	if proc.IPI == nil {
		return Response{}, fmt.Errorf("pmclient: %s has no IPI channel", proc.Node)
	}
	if c.breaker == nil {
		return c.call(ctx, proc, payload, wantValue)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, proc, payload, wantValue)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Response{}, fmt.Errorf("%w: %w", ErrControllerUnavailable, err)
	}
	resp, _ := out.(Response)
	return resp, err
}

func (c *Client) call(ctx context.Context, proc Proc, payload Payload, wantValue bool) (Response, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.sendLocked(ctx, proc, payload); err != nil {
		return Response{}, err
	}
	return c.readLocked(ctx, proc, wantValue)
}

func (c *Client) sendLocked(ctx context.Context, proc Proc, payload Payload) error {
	if err := c.waitIdle(ctx, proc); err != nil {
		return err
	}

	base := c.layout.requestBase(proc.IPI)
	for i, word := range payload {
		c.bus.Write32(base+uint64(i)*c.layout.PayloadArgSize, word)
	}
	c.bus.Write32(proc.IPI.Base+c.layout.TrigOffset, c.layout.TargetMask)

	c.log.Debug("ipi request sent", "node", proc.Node.String(), "api", payload[0])
	return nil
}

func (c *Client) readLocked(ctx context.Context, proc Proc, wantValue bool) (Response, error) {
	if err := c.waitIdle(ctx, proc); err != nil {
		return Response{}, err
	}

	// buf-0 status, buf-1 value, buf-2 and buf-3 reserved.
	base := c.layout.responseBase(proc.IPI)
	var resp Response
	if wantValue {
		resp.Value = c.bus.Read32(base + c.layout.PayloadArgSize)
		resp.HasValue = true
	}
	resp.Status = Status(c.bus.Read32(base))

	c.log.Debug("ipi response read", "node", proc.Node.String(), "status", resp.Status.String())
	return resp, nil
}

// waitIdle polls OBS until the controller's bit clears. The caller holds the lock.
func (c *Client) waitIdle(ctx context.Context, proc Proc) error {
	obs := proc.IPI.Base + c.layout.ObsOffset

	var limiter *rate.Limiter
	if c.wait.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(c.wait.Interval), 1)
		// Spend the initial token so the first two polls are paced too.
		limiter.Allow()
	}

	for polls := 1; ; polls++ {
		if c.bus.Read32(obs)&c.layout.TargetMask == 0 {
			return nil
		}
		if c.wait.MaxPolls > 0 && polls >= c.wait.MaxPolls {
			c.log.Warn("controller did not drain ipi channel", "node", proc.Node.String(), "polls", polls)
			return fmt.Errorf("pmclient: %s: channel busy after %d polls: %w", proc.Node, polls, ErrTimeout)
		}
		if err := ctx.Err(); err != nil {
			c.log.Warn("ipi wait aborted", "node", proc.Node.String(), "polls", polls, "err", err)
			return fmt.Errorf("pmclient: %s: wait aborted after %d polls: %w: %w", proc.Node, polls, ErrTimeout, err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				c.log.Warn("ipi wait aborted", "node", proc.Node.String(), "polls", polls, "err", err)
				return fmt.Errorf("pmclient: %s: wait aborted after %d polls: %w: %w", proc.Node, polls, ErrTimeout, err)
			}
		}
	}
}
