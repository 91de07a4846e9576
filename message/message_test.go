package message

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrpc/codec"
)

type kindedErr struct{}

func (kindedErr) Error() string { return "division by zero" }
func (kindedErr) Kind() string  { return "ZeroDivision" }

func TestRequestResponseThroughCodec(t *testing.T) {
	for _, c := range []codec.Codec{&codec.MsgpackCodec{}, &codec.JSONCodec{}} {
		req := &Request{Command: "add", Args: []any{2, 3}, Kwargs: map[string]any{"round": true}}
		data, err := c.Encode(req)
		require.NoError(t, err)

		var req2 Request
		require.NoError(t, c.Decode(data, &req2))
		assert.Equal(t, "add", req2.Command)
		assert.Equal(t, []any{int64(2), int64(3)}, req2.Args)
		assert.Equal(t, map[string]any{"round": true}, req2.Kwargs)

		resp := Failure(NewError("ZeroDivision", "b is zero").WithDetail("b", 0))
		data, err = c.Encode(resp)
		require.NoError(t, err)

		var resp2 Response
		require.NoError(t, c.Decode(data, &resp2))
		assert.False(t, resp2.OK)
		require.NotNil(t, resp2.Error)
		assert.Equal(t, "ZeroDivision", resp2.Error.Kind)
		assert.Equal(t, map[string]any{"b": int64(0)}, resp2.Error.Detail)
	}
}

func TestErrorFrom(t *testing.T) {
	assert.Nil(t, ErrorFrom(nil))

	re := NewError(KindInvalidArgument, "bad %s", "x")
	assert.Same(t, re, ErrorFrom(fmt.Errorf("wrapped: %w", re)))

	assert.Equal(t, "ZeroDivision", ErrorFrom(kindedErr{}).Kind)
	assert.Equal(t, KindError, ErrorFrom(errors.New("boom")).Kind)
}

func TestRemoteErrorIs(t *testing.T) {
	err := error(NewError("ZeroDivision", "b is zero"))
	assert.ErrorIs(t, err, &RemoteError{Kind: "ZeroDivision"})
	assert.ErrorIs(t, err, &RemoteError{Kind: "ZeroDivision", Message: "b is zero"})
	assert.NotErrorIs(t, err, &RemoteError{Kind: "ZeroDivision", Message: "other"})
	assert.NotErrorIs(t, err, &RemoteError{Kind: KindError})
	assert.True(t, IsKind(err, "ZeroDivision"))
	assert.Equal(t, "ZeroDivision", KindOf(fmt.Errorf("call: %w", err)))
	assert.Equal(t, "", KindOf(errors.New("plain")))
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, Success(5).Err())
	assert.True(t, IsKind((&Response{}).Err(), KindError))
}
