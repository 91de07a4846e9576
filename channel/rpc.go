package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/transport"
)

// Dispatcher executes one request on the serving side.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) (any, error)
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, req *message.Request) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *message.Request) (any, error) {
	return f(ctx, req)
}

// Call performs the client side of one remote call.
//
// Errors fall into three groups:
//   - timeouts are returned as they came from the stream (transport.IsTimeout);
//   - other send/receive failures wrap ErrRPCTransport;
//   - a failure response is returned as *message.RemoteError with the kind the
//     remote handler produced.
//
// If ctx has a deadline, it bounds every read and write of the call.
//
// Any failure after the request was written, timeouts included, breaks the
// channel: later calls fail with protocol.ErrBroken instead of reading a
// stale response. Retry on a fresh channel.
func (c *Channel) Call(ctx context.Context, command string, args []any, kwargs map[string]any) (any, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	var result any
	err := c.withContext(ctx, func() error {
		req := &message.Request{Command: command, Args: args, Kwargs: kwargs}
		if err := c.Send(req); err != nil {
			return rpcError("send", err)
		}

		var resp message.Response
		if err := c.Recv(&resp); err != nil {
			// The response may still arrive and would answer the next call.
			c.framer.Break(err)
			return rpcError("receive", err)
		}
		if !resp.OK {
			return resp.Err()
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// ServeOne performs the server side of one remote call. Errors and panics
// raised by d become a failure response and are never returned; only
// transport failures and timeouts are.
func (c *Channel) ServeOne(ctx context.Context, d Dispatcher) error {
	if err := c.usable(); err != nil {
		return err
	}
	var req message.Request
	if err := c.Recv(&req); err != nil {
		return rpcError("receive", err)
	}

	resp := invoke(ctx, d, &req)
	err := c.Send(resp)
	if errors.Is(err, codec.ErrUnsupportedType) {
		c.logger.Warn("handler result is not encodable", "command", req.Command, "error", err)
		err = c.Send(message.Failure(message.NewError(message.KindError, "result of %s is not encodable: %v", req.Command, err)))
	}
	if err != nil {
		return rpcError("send", err)
	}
	return nil
}

func invoke(ctx context.Context, d Dispatcher, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = message.Failure(message.NewError(message.KindPanic, "%v", r))
		}
	}()
	result, err := d.Dispatch(ctx, req)
	if err != nil {
		return message.Failure(err)
	}
	return message.Success(result)
}

// rpcError leaves timeouts and closed-channel errors alone and tags
// everything else as a transport failure.
func rpcError(op string, err error) error {
	if transport.IsTimeout(err) || errors.Is(err, ErrClosed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrRPCTransport, op, err)
}

// withContext applies ctx's deadline as the stream timeout while fn runs.
// The tighter of the existing timeout and the remaining time wins.
func (c *Channel) withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return fn()
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return context.DeadlineExceeded
	}
	if cur := c.Timeout(); cur > 0 && cur < remaining {
		remaining = cur
	}
	return c.WithTimeout(remaining, fn)
}
