package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startListener(t *testing.T, router *core.Router) *Listener {
	t.Helper()
	cfg := DefaultListenerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	l := NewListener(cfg, router, nil)
	require.NoError(t, l.Listen(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func newClient(t *testing.T, l *Listener, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.Port = l.Port()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func userRouter(t *testing.T) *core.Router {
	t.Helper()
	r := core.New()
	t.Cleanup(func() { r.Close() })

	_, err := r.Add(pattern.Literal("role:user,command:get"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return core.Msg{"code": 200, "name": msg["name"]}, nil
	})
	require.NoError(t, err)
	return r
}

func TestRoundTrip(t *testing.T) {
	l := startListener(t, userRouter(t))
	c := newClient(t, l, nil)

	res, err := c.Send(context.Background(), core.Msg{"role": "user", "command": "get", "name": "ann"}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(200), res["code"])
	assert.Equal(t, "ann", res["name"])

	// the connection is reused
	_, err = c.Send(context.Background(), core.Msg{"role": "user", "command": "get"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Statistics().Connections)
}

func TestActEKind(t *testing.T) {
	l := startListener(t, userRouter(t))
	c := newClient(t, l, func(cfg *ClientConfig) {
		cfg.Kind = KindActE
		cfg.Pattern = "role:user,command:get"
	})

	res, err := c.Send(context.Background(), core.Msg{"name": "bob"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", res["name"])
}

func TestActKindKeepsArgumentTypes(t *testing.T) {
	r := core.New()
	t.Cleanup(func() { r.Close() })
	_, err := r.Add(pattern.Literal("role:calc"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return core.Msg{
			"n":  fmt.Sprintf("%T", msg["n"]),
			"ok": fmt.Sprintf("%T", msg["ok"]),
		}, nil
	})
	require.NoError(t, err)

	l := startListener(t, r)
	c := newClient(t, l, nil)

	res, err := c.Send(context.Background(), core.Msg{"role": "calc", "n": 5, "ok": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "float64", res["n"])
	assert.Equal(t, "bool", res["ok"])
}

func TestRemoteErrors(t *testing.T) {
	r := core.New()
	defer r.Close()

	_, err := r.Add(pattern.Literal("role:busy"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return nil, core.ErrOverloaded
	})
	require.NoError(t, err)
	_, err = r.Add(pattern.Literal("role:bad"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return nil, errors.New("bad input")
	})
	require.NoError(t, err)

	l := startListener(t, r)
	c := newClient(t, l, nil)
	ctx := context.Background()

	_, err = c.Send(ctx, core.Msg{"role": "busy"}, nil)
	assert.ErrorIs(t, err, core.ErrOverloaded)
	assert.True(t, core.IsRetryable(err))

	_, err = c.Send(ctx, core.Msg{"role": "bad"}, nil)
	var remote *core.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "bad input", remote.Message)
	assert.False(t, core.IsRetryable(err))

	_, err = c.Send(ctx, core.Msg{"role": "none"}, nil)
	assert.ErrorIs(t, err, core.ErrNoTarget)
}

func TestProtocolErrors(t *testing.T) {
	l := startListener(t, userRouter(t))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	readFrame := func() map[string]any {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(line, &out))
		return out
	}

	_, err = conn.Write([]byte(`{"id":"1","k":"zz"}` + "\n"))
	require.NoError(t, err)
	out := readFrame()
	assert.Equal(t, ErrUnknownMethod, out["error"])
	assert.Equal(t, "zz", out["input"].(map[string]any)["k"])

	_, err = conn.Write([]byte("{bad json\n"))
	require.NoError(t, err)
	out = readFrame()
	assert.Equal(t, ErrInvalidJSON, out["error"])

	// the listener hangs up after invalid JSON
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadBytes('\n')
	assert.Error(t, err)
}

func TestAsyncRequestHasNoReply(t *testing.T) {
	r := core.New()
	defer r.Close()

	var calls atomic.Int32
	_, err := r.Add(pattern.Literal("role:log"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		calls.Add(1)
		return core.Msg{"ok": true}, nil
	})
	require.NoError(t, err)

	l := startListener(t, r)
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":"a1","k":"a","sync":false,"args":{"role":"log"}}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = conn.Write([]byte(`{"id":"a2","k":"a","args":{"role":"log"}}` + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(line, &f))
	assert.Equal(t, "a2", f.ID)
	assert.Equal(t, KindResult, f.Kind)
}

func TestClientTimeout(t *testing.T) {
	r := core.New()
	defer r.Close()

	_, err := r.Add(pattern.Literal("role:slow"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		time.Sleep(200 * time.Millisecond)
		return core.Msg{}, nil
	})
	require.NoError(t, err)

	l := startListener(t, r)
	c := newClient(t, l, func(cfg *ClientConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})

	_, err = c.Send(context.Background(), core.Msg{"role": "slow"}, nil)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.True(t, core.IsRetryable(err))
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := DefaultClientConfig()
	cfg.Port = port
	cfg.FailAfter = 1
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Send(context.Background(), core.Msg{"role": "user"}, nil)
	assert.Error(t, err)
}

func TestClosedClient(t *testing.T) {
	c, err := NewClient(DefaultClientConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Send(context.Background(), core.Msg{}, nil)
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = NewClient(ClientConfig{Kind: "x"}, nil)
	assert.Error(t, err)
}

func TestListenRetriesAddressInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := busy.Addr().(*net.TCPAddr).Port

	cfg := DefaultListenerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.MaxListenAttempts = 0

	l := NewListener(cfg, core.New(), nil)
	err = l.Listen(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)

	cfg.MaxListenAttempts = 20
	cfg.AttemptDelay = 10 * time.Millisecond
	l = NewListener(cfg, core.New(), nil)

	go func() {
		time.Sleep(150 * time.Millisecond)
		busy.Close()
	}()

	require.NoError(t, l.Listen(context.Background()))
	assert.Equal(t, port, l.Port())
	require.NoError(t, l.Close())
}

func TestWireErrorForms(t *testing.T) {
	plain, err := json.Marshal(WireError{Message: ErrInvalidJSON})
	require.NoError(t, err)
	assert.JSONEq(t, `"invalid_json"`, string(plain))

	enc := encodeError(core.ErrOverloaded)
	data, err := json.Marshal(enc)
	require.NoError(t, err)

	var back WireError
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Details)
	assert.Equal(t, core.OverloadMessage, back.Details.Message)
	assert.ErrorIs(t, back.Remote(), core.ErrOverloaded)
}
