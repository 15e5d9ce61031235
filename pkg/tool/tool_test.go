package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

func TestStandardRegistryKinds(t *testing.T) {
	r := StandardRegistry(nil)
	for _, kind := range []string{"http", "shell", "python", "postgres", "duckdb", "snowflake", "rhai", "iterator", "transfer"} {
		assert.True(t, r.Has(kind), "missing kind %q", kind)
	}
	// No launcher, no playbook tool
	assert.False(t, r.Has("playbook"))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewShell()))
	assert.Error(t, r.Register(NewShell()))
}

func TestSoleCredential(t *testing.T) {
	bearer := &types.Credential{Type: types.CredentialBearer, Data: map[string]string{"token": "t"}}
	basic := &types.Credential{Type: types.CredentialBasic, Data: map[string]string{"username": "u"}}

	t.Run("alias wins", func(t *testing.T) {
		in := Input{Auth: map[string]*types.Credential{"a": bearer, "b": basic}}
		cred, err := soleCredential(in, "b")
		require.NoError(t, err)
		assert.Same(t, basic, cred)
	})

	t.Run("unknown alias", func(t *testing.T) {
		in := Input{Auth: map[string]*types.Credential{"a": bearer}}
		_, err := soleCredential(in, "nope")
		require.Error(t, err)
		assert.Equal(t, errdef.KindResolution, errdef.KindOf(err))
	})

	t.Run("single entry is unambiguous", func(t *testing.T) {
		in := Input{Auth: map[string]*types.Credential{"only": bearer}}
		cred, err := soleCredential(in, "")
		require.NoError(t, err)
		assert.Same(t, bearer, cred)
	})

	t.Run("none resolves to nil", func(t *testing.T) {
		cred, err := soleCredential(Input{}, "")
		require.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("ambiguous", func(t *testing.T) {
		in := Input{Auth: map[string]*types.Credential{"a": bearer, "b": basic}}
		_, err := soleCredential(in, "")
		assert.Error(t, err)
	})
}

func TestArgStrings(t *testing.T) {
	assert.Equal(t, []string{"one"}, argStrings(map[string]any{"command": "one"}, "command", "commands"))
	assert.Equal(t, []string{"a", "b"},
		argStrings(map[string]any{"commands": []any{"a", "b"}}, "command", "commands"))
	assert.Empty(t, argStrings(map[string]any{}, "command", "commands"))
}

func TestElements(t *testing.T) {
	t.Run("list passes through", func(t *testing.T) {
		items, err := Elements([]any{1, 2, 3})
		require.NoError(t, err)
		assert.Len(t, items, 3)
	})

	t.Run("map iterates in key order", func(t *testing.T) {
		items, err := Elements(map[string]any{"b": 2, "a": 1})
		require.NoError(t, err)
		require.Len(t, items, 2)
		first := items[0].(map[string]any)
		assert.Equal(t, "a", first["key"])
		assert.Equal(t, 1, first["value"])
	})

	t.Run("scalar is rejected", func(t *testing.T) {
		_, err := Elements(42)
		require.Error(t, err)
		assert.Equal(t, errdef.KindValidation, errdef.KindOf(err))
	})

	t.Run("nil is empty", func(t *testing.T) {
		items, err := Elements(nil)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestFromErrorKeepsClassification(t *testing.T) {
	out := FromError(errdef.Transient("connection reset"))
	assert.Equal(t, types.OutcomeError, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, string(errdef.KindTransient), out.Error.Kind)
}
