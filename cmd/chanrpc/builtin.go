package main

import (
	"context"
	"fmt"

	"chanrpc/message"
	"chanrpc/server"
)

// Operands of the Arith service.
type Operands struct {
	A int64 `codec:"a" json:"a"`
	B int64 `codec:"b" json:"b"`
}

type Arith struct{}

func (*Arith) Add(args *Operands, reply *int64) error {
	*reply = args.A + args.B
	return nil
}

func (*Arith) Multiply(args *Operands, reply *int64) error {
	*reply = args.A * args.B
	return nil
}

func (*Arith) Divide(args *Operands, reply *int64) error {
	if args.B == 0 {
		return message.NewError("ZeroDivision", "division by zero")
	}
	*reply = args.A / args.B
	return nil
}

// registerBuiltins installs the commands every chanrpc server answers.
func registerBuiltins(srv *server.Server) error {
	srv.Handle("ping", func(context.Context, []any, map[string]any) (any, error) {
		return "pong", nil
	})
	srv.Handle("echo", echo)
	srv.Handle("add", add)
	return srv.Register(&Arith{})
}

// echo returns its single argument, its argument list, or its keyword
// arguments when called without positional ones.
func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case len(args) > 1:
		return args, nil
	case len(kwargs) > 0:
		return kwargs, nil
	}
	return nil, nil
}

// add sums numeric arguments. The sum stays integral until a float appears.
func add(_ context.Context, args []any, _ map[string]any) (any, error) {
	var (
		isum    int64
		fsum    float64
		isFloat bool
	)
	for i, arg := range args {
		switch v := arg.(type) {
		case int64:
			isum += v
		case uint64:
			isum += int64(v)
		case float64:
			fsum += v
			isFloat = true
		default:
			return nil, message.NewError(message.KindInvalidArgument, "argument %d: %s is not a number", i, describe(arg))
		}
	}
	if isFloat {
		return fsum + float64(isum), nil
	}
	return isum, nil
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
