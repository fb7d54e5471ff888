// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStickinessOf(t *testing.T) {
	tests := []struct {
		field string
		want  Stickiness
	}{
		{FieldIncomplete, StickyWithinStep},
		{FieldPlan, StickyWithinStep},
		{FieldFEV, NonSticky},
		{FieldBy, NonSticky},
		{FieldAccepted, NonSticky},
		{FieldMacroID, NonSticky},
		{"has_clock", Sticky},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StickinessOf(tt.field), tt.field)
	}
}

func TestCarry(t *testing.T) {
	prev := Status{
		By:         OriginLLM,
		FEV:        VerdictPassed,
		Incomplete: Bool(true),
		Plan:       "rename ports next",
		Accepted:   true,
		Extra:      map[string]string{"clock": "clk", "reset": "rst"},
	}

	t.Run("human edit inside step", func(t *testing.T) {
		got := Status{By: OriginHuman, Plan: "my own plan"}.Carry(prev, true)
		require.NotNil(t, got.Incomplete)
		assert.True(t, *got.Incomplete)
		assert.Equal(t, "rename ports next", got.Plan)
		assert.Empty(t, got.FEV)
		assert.False(t, got.Accepted)
		assert.Equal(t, "clk", got.Extra["clock"])
	})

	t.Run("generator output inside step", func(t *testing.T) {
		got := Status{By: OriginLLM, Incomplete: Bool(false)}.Carry(prev, true)
		assert.True(t, got.LLMFinished())
		assert.Empty(t, got.Plan)
		assert.Equal(t, "rst", got.Extra["reset"])
	})

	t.Run("new step", func(t *testing.T) {
		got := Status{Initial: true, FEV: VerdictPassed}.Carry(prev, false)
		assert.Nil(t, got.Incomplete)
		assert.Empty(t, got.Plan)
		assert.Equal(t, map[string]string{"clock": "clk", "reset": "rst"}, got.Extra)
	})

	t.Run("explicit extra wins", func(t *testing.T) {
		in := Status{By: OriginLLM}
		in.SetExtra("clock", "clk2")
		got := in.Carry(prev, true)
		assert.Equal(t, "clk2", got.Extra["clock"])
	})

	t.Run("carry does not alias", func(t *testing.T) {
		got := Status{By: OriginHuman}.Carry(prev, true)
		*got.Incomplete = false
		got.Extra["clock"] = "changed"
		assert.True(t, *prev.Incomplete)
		assert.Equal(t, "clk", prev.Extra["clock"])
	})
}

func TestStatusJSON(t *testing.T) {
	in := `{"by":"llm","fev":"passed","incomplete":false,"clock":"clk","width":32,"macro_id":3,"substeps_completed":[4,5],"plan":null}`
	var st Status
	require.NoError(t, json.Unmarshal([]byte(in), &st))
	assert.Equal(t, OriginLLM, st.By)
	assert.True(t, st.FEVPassed())
	assert.True(t, st.LLMFinished())
	require.NotNil(t, st.MacroID)
	assert.Equal(t, 3, *st.MacroID)
	assert.Equal(t, []int{4, 5}, st.SubstepsCompleted)
	assert.Equal(t, map[string]string{"clock": "clk", "width": "32"}, st.Extra)

	out, err := json.Marshal(st)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "llm", m["by"])
	assert.Equal(t, false, m["incomplete"])
	assert.Equal(t, "32", m["width"])
	assert.NotContains(t, m, "accepted")
	assert.NotContains(t, m, "plan")
}

func TestStatusLookup(t *testing.T) {
	st := Status{By: OriginHuman, Incomplete: Bool(false), Extra: map[string]string{"clock": "clk"}}
	v, ok := st.Lookup(FieldBy)
	assert.True(t, ok)
	assert.Equal(t, "human", v)
	v, ok = st.Lookup(FieldIncomplete)
	assert.True(t, ok)
	assert.Equal(t, "false", v)
	_, ok = st.Lookup(FieldAccepted)
	assert.False(t, ok)
	v, ok = st.Lookup("clock")
	assert.True(t, ok)
	assert.Equal(t, "clk", v)
	_, ok = st.Lookup("reset")
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"by": "human", "incomplete": "false", "clock": "clk"}, st.Fields())
}

func TestPromptRefJSON(t *testing.T) {
	var ref PromptRef
	require.NoError(t, json.Unmarshal([]byte("7\n"), &ref))
	assert.Equal(t, PromptRef{ID: 7}, ref)

	require.NoError(t, json.Unmarshal([]byte(`{"id":2,"desc":"Remove resets","type":"macro","substeps":[3,4]}`), &ref))
	assert.True(t, ref.IsMacro())
	assert.Equal(t, []int{3, 4}, ref.Substeps)

	out, err := json.Marshal(PromptRef{ID: 1, Desc: "Split always blocks"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"desc":"Split always blocks"}`, string(out))
}
