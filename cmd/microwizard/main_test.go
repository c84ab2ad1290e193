package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
	"github.com/WizardTales/MicroWizard/transport"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func startNode(t *testing.T) string {
	t.Helper()
	r := core.New()
	t.Cleanup(func() { r.Close() })

	_, err := r.Add(pattern.Literal("role:greet"), func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return core.Msg{"hello": msg["name"], "via": meta.Pattern}, nil
	})
	require.NoError(t, err)

	cfg := transport.DefaultListenerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	l := transport.NewListener(cfg, r, nil)
	require.NoError(t, l.Listen(context.Background()))
	t.Cleanup(func() { l.Close() })
	return fmt.Sprintf("127.0.0.1:%d", l.Port())
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "microwizard version dev\n", out)
}

func TestAct(t *testing.T) {
	addr := startNode(t)

	for _, exact := range []bool{false, true} {
		args := []string{"act", "--addr", addr, "--pattern", "role:greet", "--data", `{"name":"ann"}`}
		if exact {
			args = append(args, "--exact")
		}
		out, err := run(t, args...)
		require.NoError(t, err)

		var res map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, "ann", res["hello"])
		assert.Equal(t, "role:greet", res["via"])
	}
}

func TestActErrors(t *testing.T) {
	addr := startNode(t)

	_, err := run(t, "act", "--addr", addr, "--pattern", "role:nobody")
	assert.ErrorIs(t, err, core.ErrNoTarget)

	_, err = run(t, "act", "--addr", "nowhere", "--pattern", "role:greet")
	assert.Error(t, err)

	_, err = run(t, "act", "--addr", addr, "--pattern", "role:greet", "--data", "{")
	assert.Error(t, err)

	_, err = run(t, "act", "--addr", addr)
	assert.Error(t, err)
}
