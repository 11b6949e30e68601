package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

func validYAML() string {
	return `
namespace: fuel_indexer_test
identifier: index1
graphql_schema: schema.graphql
module:
  path: index1.js
  kind: js
start_block: 10
resumable: true
`
}

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(validYAML()))
	require.NoError(t, err)
	assert.Equal(t, "fuel_indexer_test.index1", m.UID())
	assert.Equal(t, ModuleJS, m.Module.Kind)
	require.NotNil(t, m.StartBlock)
	assert.Equal(t, uint64(10), *m.StartBlock)
}

func TestParseRejectsUnknownKey(t *testing.T) {
	doc := validYAML() + "\nbogus_key: true\n"
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	e, ok := errkind.As(err)
	require.True(t, ok)
	assert.Equal(t, errkind.SchemaInvalid, e.Kind)
}

func TestValidateRejectsBadIdentifier(t *testing.T) {
	m := &Manifest{Namespace: "1bad", Identifier: "ok", Module: Module{Kind: ModuleJS}}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace")
}

func TestValidateRejectsEndBeforeStart(t *testing.T) {
	start := uint64(10)
	end := uint64(5)
	m := &Manifest{Namespace: "ns", Identifier: "id", Module: Module{Kind: ModuleNative}, StartBlock: &start, EndBlock: &end}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end_block")
}

func TestResolveStartHeight(t *testing.T) {
	ten := uint64(10)
	five := uint64(5)
	falseVal := false
	trueVal := true

	cases := []struct {
		name       string
		start      *uint64
		resumable  *bool
		checkpoint *uint64
		want       uint64
	}{
		{"resumable true clamps up to checkpoint", &five, &trueVal, &ten, 10},
		{"resumable true keeps start above checkpoint", &ten, &trueVal, &five, 10},
		{"resumable false uses start verbatim", &ten, &falseVal, &five, 10},
		{"no resumable uses start verbatim", &ten, nil, &five, 10},
		{"no start falls back to checkpoint", nil, nil, &five, 5},
		{"no start no checkpoint defaults to 1", nil, nil, nil, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Manifest{StartBlock: tc.start, Resumable: tc.resumable}
			assert.Equal(t, tc.want, m.ResolveStartHeight(tc.checkpoint))
		})
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	start := uint64(10)
	end := uint64(20)
	resumable := true
	original := &Manifest{
		Namespace:      "fuel_indexer_test",
		Identifier:     "index1",
		GraphQLSchema:  "schema.graphql",
		Module:         Module{Path: "index1.js", Kind: ModuleJS},
		StartBlock:     &start,
		EndBlock:       &end,
		Resumable:      &resumable,
		ContractFilter: []string{"0xabc"},
	}

	data, err := original.Render()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, original.UID(), parsed.UID())
	assert.Equal(t, ModuleJS, parsed.Module.Kind)
	require.NotNil(t, parsed.StartBlock)
	assert.Equal(t, start, *parsed.StartBlock)
	require.NotNil(t, parsed.EndBlock)
	assert.Equal(t, end, *parsed.EndBlock)
	require.NotNil(t, parsed.Resumable)
	assert.True(t, *parsed.Resumable)
	assert.Equal(t, original.ContractFilter, parsed.ContractFilter)
}

func TestRenderOmitsInlineAssets(t *testing.T) {
	m := &Manifest{
		Namespace:   "ns",
		Identifier:  "idx",
		Module:      Module{Kind: ModuleJS},
		SchemaText:  "type Ping { id: ID! }",
		ModuleBytes: []byte("function handle_events(b) {}"),
	}

	data, err := m.Render()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "handle_events")
	assert.NotContains(t, string(data), "type Ping")

	// The rendered document must still satisfy Parse's validation, since
	// Reload and startup hydration feed it straight back in.
	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "ns.idx", parsed.UID())
}
