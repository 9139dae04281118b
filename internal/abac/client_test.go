package abac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

func testEngine(t *testing.T) (*httptest.Server, map[string]string) {
	t.Helper()
	policies := make(map[string]string)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/policies", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			ID string `json:"id"`
		}
		var out struct {
			Result []entry `json:"result"`
		}
		for name := range policies {
			out.Result = append(out.Result, entry{ID: name})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/policies/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/v1/policies/"):]
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			policies[name] = string(body)
		case http.MethodDelete:
			if _, ok := policies[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(policies, name)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/data/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input Input `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Toy policy: moderators may do anything, others read only.
		allow := req.Input.Action == "read"
		if ctxRole, ok := req.Input.Context["role"].(string); ok && ctxRole == "moderator" {
			allow = true
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"allow": allow},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, policies
}

func TestPolicyLifecycle(t *testing.T) {
	srv, policies := testEngine(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.PutPolicy(ctx, "channels", "package channels\nallow { input.action == \"read\" }"))
	assert.Contains(t, policies, "channels")

	names, err := c.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"channels"}, names)

	require.NoError(t, c.DeletePolicy(ctx, "channels"))
	assert.Empty(t, policies)

	// Deleting an absent policy is not an error.
	require.NoError(t, c.DeletePolicy(ctx, "channels"))
}

func TestEvaluateVerdicts(t *testing.T) {
	srv, _ := testEngine(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	d, err := c.Evaluate(ctx, "channels", Input{User: 42, Resource: "channel:7", Action: "read"})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = c.Evaluate(ctx, "channels", Input{User: 42, Resource: "channel:7", Action: "delete"})
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = c.Evaluate(ctx, "channels", Input{
		User: 42, Resource: "channel:7", Action: "delete",
		Context: map[string]interface{}{"role": "moderator"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestUndefinedResultDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	d, err := NewClient(srv.URL).Evaluate(context.Background(), "missing", Input{Action: "read"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestEngineErrorsAreUpstreamFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)

	_, err := c.Evaluate(context.Background(), "channels", Input{Action: "read"})
	assert.True(t, errors.Is(err, primitives.ErrUpstreamFailure))

	err = c.PutPolicy(context.Background(), "channels", "x")
	assert.True(t, errors.Is(err, primitives.ErrUpstreamFailure))

	assert.False(t, c.Healthy(context.Background()))
}

func TestHealthy(t *testing.T) {
	srv, _ := testEngine(t)
	assert.True(t, NewClient(srv.URL).Healthy(context.Background()))

	srv.Close()
	assert.False(t, NewClient(srv.URL).Healthy(context.Background()))
}
