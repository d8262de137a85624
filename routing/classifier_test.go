package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCodingTask(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("Write a fibonacci function in python")

	assert.Equal(t, "coder", got.AgentType)
	assert.Equal(t, ComplexitySimple, got.Complexity)
	assert.True(t, got.RequiresTools)
	assert.Greater(t, got.Confidence, 0.0)
}

func TestClassifySecurityTask(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("Find SQL injection vulnerabilities in this code")

	assert.Equal(t, "security", got.AgentType)
	assert.GreaterOrEqual(t, got.Confidence, 0.83)
	assert.True(t, got.RequiresTools)
}

func TestClassifyVisionPrefersLocal(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("Take a screenshot and describe what you see")

	// vision_local and vision_cloud share a vocabulary; the declared
	// order decides.
	assert.Equal(t, "vision_local", got.AgentType)
}

func TestClassifyDefaultsToGeneral(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("hello there")

	assert.Equal(t, AgentGeneral, got.AgentType)
	assert.Equal(t, 0.5, got.Confidence)
	assert.False(t, got.RequiresTools)
	assert.Equal(t, "No keyword matches, defaulting to general", got.Reasoning)
}

func TestClassifyComplexity(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name        string
		instruction string
		want        Complexity
	}{
		{"short", "hello world", ComplexitySimple},
		{"medium length", "please summarize the main ideas of this rather long paragraph for me today", ComplexityMedium},
		{"connective forces complex", "do this and then do that", ComplexityComplex},
		{
			"long is complex",
			"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen " +
				"sixteen seventeen eighteen nineteen twenty one two three four five six seven eight nine ten",
			ComplexityComplex,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.instruction).Complexity)
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier()
	first := c.Classify("debug the error in my python code")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, c.Classify("debug the error in my python code"))
	}
}

func TestLoadBytesRejectsEmptyTable(t *testing.T) {
	c := NewClassifier()
	err := c.loadBytes([]byte("agents: {}\ntie_order: [general]"))
	require.Error(t, err)
}

func TestRouteStrategyAndEstimate(t *testing.T) {
	meta := map[string]AgentMeta{
		"coder":   {Name: "Code Specialist", Speed: "medium"},
		"general": {Name: "General Assistant", Speed: "fast"},
	}
	r := NewRouter(NewClassifier(), meta)

	simple := r.Route("Write a fibonacci function in python")
	assert.Equal(t, StrategySingleAgent, simple.Strategy)
	assert.Equal(t, "5-15 seconds", simple.EstimatedTime)
	assert.Equal(t, "Code Specialist", simple.AgentMeta.Name)

	complex := r.Route("research the library and then write code and also test it against the production database schema")
	assert.Equal(t, StrategyMultiAgent, complex.Strategy)
}
