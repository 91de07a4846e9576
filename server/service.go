package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"chanrpc/message"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService inspects rcvr and collects every method of the form
//
//	func (t *T) Method(args *A, reply *R) error
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: type %s has no exported methods of the form func(*Args, *Reply) error", s.name)
	}
	return s, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods keeps the exported methods with three inputs
// (receiver, *Args, *Reply) and a single error output.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Pointer || method.Type.In(2).Kind() != reflect.Pointer {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// handler adapts one method to a HandlerFunc. The argument value is the
// single positional argument, or the keyword arguments when there is none.
func (s *service) handler(m *methodType) HandlerFunc {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		argv := reflect.New(m.ArgType)
		replyv := reflect.New(m.ReplyType)

		var input any
		switch {
		case len(args) > 1:
			return nil, message.NewError(message.KindInvalidArgument,
				"%s.%s takes 1 positional argument, got %d", s.name, m.method.Name, len(args))
		case len(args) == 1:
			input = args[0]
		case len(kwargs) > 0:
			input = kwargs
		}
		if input != nil {
			if err := decode(input, argv.Interface()); err != nil {
				return nil, message.NewError(message.KindInvalidArgument, "%s.%s: %v", s.name, m.method.Name, err)
			}
		}

		results := m.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
		if errv := results[0]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return replyv.Elem().Interface(), nil
	}
}

// decode converts a decoded wire value into a typed Go value. Struct fields
// match by their codec tag, falling back to the field name.
func decode(input, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "codec",
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
