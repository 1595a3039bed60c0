package contextvar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/repo"
	repomem "goa.design/goa-ai/engine/repo/memory"
	"goa.design/goa-ai/engine/tool"
)

type refreshRunner struct {
	value string
}

func (r refreshRunner) Run(ctx context.Context, toolName string, args map[string]any) (tool.Result, error) {
	return tool.Result{Data: r.value}, nil
}

func TestIsStale(t *testing.T) {
	v := repo.ContextVariable{Rule: repo.FreshnessRule{MaxAgeSeconds: 60}}
	require.True(t, IsStale(v, 0, 1000))
	require.False(t, IsStale(v, 1000, 1030))
	require.True(t, IsStale(v, 1000, 1061))

	noRule := repo.ContextVariable{}
	require.False(t, IsStale(noRule, 0, 1000))
}

func TestRefreshStaleInvokesToolAndPersists(t *testing.T) {
	t.Parallel()
	vars := repomem.NewContextVariables()
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Tool{ID: "billing:account_balance"}))
	registry.RegisterRunner("billing", refreshRunner{value: "42.00"})

	r := New(vars, registry, nil, func() int64 { return 1000 })

	input := []repo.ContextVariable{
		{Name: "balance", Value: "stale", Scope: repo.ScopeCustomer, Rule: repo.FreshnessRule{RefreshToolID: "billing:account_balance"}},
	}
	out := r.RefreshStale(context.Background(), "agent-1", "cust-1", input, nil, []string{"balance"})
	require.Len(t, out, 1)
	require.Equal(t, "42.00", out[0].Value)

	stored, err := vars.Get(context.Background(), "agent-1", "cust-1", "balance")
	require.NoError(t, err)
	require.Equal(t, "42.00", stored.Value)
}

func TestRefreshStaleSkipsVariablesWithoutRefreshTool(t *testing.T) {
	t.Parallel()
	vars := repomem.NewContextVariables()
	registry := tool.NewRegistry()
	r := New(vars, registry, nil, func() int64 { return 1000 })

	input := []repo.ContextVariable{{Name: "tier", Value: "gold"}}
	out := r.RefreshStale(context.Background(), "agent-1", "cust-1", input, nil, []string{"tier"})
	require.Equal(t, "gold", out[0].Value)
}
