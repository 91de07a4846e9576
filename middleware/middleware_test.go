package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrpc/message"
)

func echoHandler(ctx context.Context, req *message.Request) (any, error) {
	return "ok", nil
}

func slowHandler(ctx context.Context, req *message.Request) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return "ok", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failingHandler(ctx context.Context, req *message.Request) (any, error) {
	return nil, message.NewError("ZeroDivision", "division by zero")
}

func panickingHandler(ctx context.Context, req *message.Request) (any, error) {
	panic("boom")
}

func addReq() *message.Request {
	return &message.Request{Command: "Arith.Add"}
}

func TestLogging(t *testing.T) {
	handler := Logging(hclog.NewNullLogger())(echoHandler)
	result, err := handler(context.Background(), addReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	handler = Logging(hclog.NewNullLogger())(failingHandler)
	_, err = handler(context.Background(), addReq())
	assert.True(t, message.IsKind(err, "ZeroDivision"))
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	result, err := handler(context.Background(), addReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), addReq())
	require.Error(t, err)
	assert.Equal(t, message.KindDeadlineExceeded, message.KindOf(err))
}

func TestTimeoutPanic(t *testing.T) {
	handler := Timeout(time.Second)(panickingHandler)
	_, err := handler(context.Background(), addReq())
	assert.Equal(t, message.KindPanic, message.KindOf(err))
}

func TestRateLimit(t *testing.T) {
	// burst 2: the first two pass, the third is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), addReq())
		require.NoError(t, err, "request %d", i)
	}

	_, err := handler(context.Background(), addReq())
	assert.Equal(t, message.KindRateLimited, message.KindOf(err))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(hclog.NewNullLogger())(panickingHandler)
	result, err := handler(context.Background(), addReq())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.Equal(t, message.KindPanic, message.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (any, error) {
				order = append(order, name+".before")
				result, err := next(ctx, req)
				order = append(order, name+".after")
				return result, err
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), Logging(hclog.NewNullLogger()))(echoHandler)
	result, err := handler(context.Background(), addReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := Metrics(WithRegistry(reg), WithNamespace("test"))

	ok := metrics(echoHandler)
	bad := metrics(failingHandler)
	plain := metrics(func(ctx context.Context, req *message.Request) (any, error) {
		return nil, errors.New("plain")
	})

	for i := 0; i < 3; i++ {
		_, err := ok(context.Background(), addReq())
		require.NoError(t, err)
	}
	_, err := bad(context.Background(), addReq())
	require.Error(t, err)
	_, err = plain(context.Background(), addReq())
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	calls := map[string]float64{}
	var observed uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "test_server_calls_total":
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "kind" {
						calls[l.GetValue()] = m.GetCounter().GetValue()
					}
				}
			}
		case "test_server_call_duration_seconds":
			for _, m := range mf.GetMetric() {
				observed += m.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, map[string]float64{"ok": 3, "ZeroDivision": 1, "Error": 1}, calls)
	assert.Equal(t, uint64(5), observed)
}

func commandLabels(t *testing.T, reg *prometheus.Registry, family string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "command" {
					out[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func TestMetricsUnknownCommands(t *testing.T) {
	unknown := func(ctx context.Context, req *message.Request) (any, error) {
		return nil, message.NewError(message.KindUnknownCommand, "unknown command %q", req.Command)
	}

	reg := prometheus.NewRegistry()
	handler := Metrics(WithRegistry(reg))(unknown)
	for i := 0; i < 10; i++ {
		handler(context.Background(), &message.Request{Command: fmt.Sprintf("junk-%d", i)})
	}
	assert.Equal(t, map[string]float64{UnknownCommandLabel: 10}, commandLabels(t, reg, "chanrpc_server_calls_total"))

	// with a known-command filter, calls failing for other reasons are folded too
	reg = prometheus.NewRegistry()
	filtered := Metrics(WithRegistry(reg), WithKnownCommands(func(command string) bool {
		return command == "Arith.Add"
	}))(echoHandler)
	filtered(context.Background(), addReq())
	filtered(context.Background(), &message.Request{Command: "junk"})
	assert.Equal(t, map[string]float64{"Arith.Add": 1, UnknownCommandLabel: 1}, commandLabels(t, reg, "chanrpc_server_calls_total"))
}

func TestTimeoutParentCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context, *message.Request) (any, error) {
		<-release
		return "ok", nil
	}

	handler := Timeout(time.Minute)(stuck)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := handler(ctx, addReq())
	require.Error(t, err)
	assert.Equal(t, message.KindCanceled, message.KindOf(err))
}
