package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/mesh"
	"github.com/WizardTales/MicroWizard/pattern"
)

func newGateway(t *testing.T, setup func(*core.Router)) (*Gateway, *core.Router) {
	t.Helper()
	r := core.New()
	t.Cleanup(func() { r.Close() })
	if setup != nil {
		setup(r)
	}

	g, err := New(r, Options{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	return g, r
}

func add(t *testing.T, r *core.Router, p string, h core.Handler) {
	t.Helper()
	_, err := r.Add(pattern.Literal(p), h)
	require.NoError(t, err)
}

func post(t *testing.T, g *Gateway, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/act", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestAct(t *testing.T) {
	g, _ := newGateway(t, func(r *core.Router) {
		add(t, r, "role:user,cmd:create", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return core.Msg{"code": 201, "name": msg["name"], "cmd": msg["cmd"]}, nil
		})
		add(t, r, "role:user,cmd:get", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return core.Msg{"name": "ann"}, nil
		})
	})

	status, out := post(t, g, `{"pattern":"role:user,cmd:create","data":{"name":"bob"}}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "bob", out["name"])
	assert.Equal(t, "create", out["cmd"])

	status, out = post(t, g, `{"pattern":"role:user,cmd:get"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ann", out["name"])
}

func TestActMixin(t *testing.T) {
	g, _ := newGateway(t, func(r *core.Router) {
		add(t, r, "role:user,cmd:*", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return core.Msg{"via": "general"}, nil
		})
		add(t, r, "role:user,cmd:*,tier:gold", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return core.Msg{"via": "gold"}, nil
		})
	})

	_, out := post(t, g, `{"pattern":"role:user,cmd:get","data":{"tier":"gold"}}`)
	assert.Equal(t, "general", out["via"])

	_, out = post(t, g, `{"pattern":"role:user,cmd:get","data":{"tier":"gold"},"mixin":["tier"]}`)
	assert.Equal(t, "gold", out["via"])
}

func TestActErrors(t *testing.T) {
	g, _ := newGateway(t, func(r *core.Router) {
		add(t, r, "role:busy", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return nil, core.ErrAllTargetsOverloaded
		})
		add(t, r, "role:tripped", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return nil, &core.CallError{Op: "send", Err: core.ErrNoCurrentTarget}
		})
		add(t, r, "role:slow", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return nil, core.ErrTimeout
		})
		add(t, r, "role:broken", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return nil, errors.New("boom")
		})
	})

	tests := []struct {
		body   string
		status int
		code   any
	}{
		{`{"pattern":"role:nobody"}`, http.StatusNotFound, "no-target"},
		{`{"pattern":"role:tripped"}`, http.StatusServiceUnavailable, "no-current-target"},
		{`{"pattern":"role:busy"}`, http.StatusServiceUnavailable, "all-targets-overloaded"},
		{`{"pattern":"role:slow"}`, http.StatusGatewayTimeout, "timeout"},
		{`{"pattern":"role:broken"}`, http.StatusInternalServerError, nil},
		{`{"pattern":""}`, http.StatusBadRequest, nil},
		{`{"pattern":"role"}`, http.StatusBadRequest, nil},
		{`not json`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			status, out := post(t, g, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, out["code"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestHealth(t *testing.T) {
	g, _ := newGateway(t, nil)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMembers(t *testing.T) {
	g, _ := newGateway(t, nil)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	g, _ = newGateway(t, func(r *core.Router) {
		add(t, r, mesh.MembersPattern, func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
			return core.Msg{"list": []any{
				map[string]any{"id": "m1", "host": "10.0.0.1", "port": 10201, "pins": []any{"role:user"}},
			}}, nil
		})
	})

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Members []mesh.Member `json:"members"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Members, 1)
	assert.Equal(t, "m1", out.Members[0].ID)
	assert.Equal(t, []string{"role:user"}, out.Members[0].Pins)
}

func TestMetrics(t *testing.T) {
	g, _ := newGateway(t, nil)

	g.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `microwizard_gateway_requests_total{route="/health",status="200"} 1`)
}

func TestStartStop(t *testing.T) {
	r := core.New()
	defer r.Close()
	add(t, r, "role:ping", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		return core.Msg{"pong": true}, nil
	})

	g, err := New(r, Options{Address: "127.0.0.1:0", Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)

	resp, err := http.Post("http://"+g.Addr().String()+"/act", "application/json", bytes.NewBufferString(`{"pattern":"role:ping"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(body))

	require.NoError(t, g.Stop(context.Background()))
	assert.Nil(t, g.Addr())
}

func TestCustomRoutes(t *testing.T) {
	r := core.New()
	defer r.Close()
	add(t, r, "service:user,command:me", func(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
		if msg["session"] == nil {
			return core.Msg{"code": 401, "msg": "not authorized!"}, nil
		}
		return core.Msg{"code": 200, "user": msg["session"]}, nil
	})

	g, err := New(r, Options{
		Registry: prometheus.NewRegistry(),
		Routes: func(router chi.Router, d Dispatcher) {
			router.Get("/me", func(w http.ResponseWriter, req *http.Request) {
				data := core.Msg{}
				if id := req.Header.Get("X-Session"); id != "" {
					data["session"] = id
				}
				res, err := d.ActE(req.Context(), pattern.Literal("service:user,command:me"), data)
				if err != nil {
					WriteError(w, err)
					return
				}
				WriteResult(w, res)
			})
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Session", "u1")
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":200,"user":"u1"}`, rec.Body.String())
}
