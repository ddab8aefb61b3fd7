package apisec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleEngine_CompilesDefaults(t *testing.T) {
	re, errs := NewRuleEngine(DefaultAPIPathRules(), 0)
	require.Empty(t, errs)
	require.NotNil(t, re)
}

func TestNewRuleEngine_SkipsUnparseableRule(t *testing.T) {
	rules := append(DefaultAPIPathRules(), PatternRule{Name: "broken", Script: "function match(content) { return ["})
	re, errs := NewRuleEngine(rules, 0)
	require.Len(t, errs, 1)
	out := re.Run(`fetch("/api/v1/users/123")`)
	assert.Contains(t, out, "api-path-literal")
}

func TestRuleEngine_ExtractsAPIPaths(t *testing.T) {
	re, errs := NewRuleEngine(DefaultAPIPathRules(), time.Second)
	require.Empty(t, errs)

	content := `
		fetch("/api/v1/users/123").then(x => x);
		axios.get('/rest/orders');
		var x = "not a path";
	`
	matches := re.Run(content)
	paths := matches["api-path-literal"]
	assert.Contains(t, paths, "/api/v1/users/123")
	assert.Contains(t, paths, "/rest/orders")
}

func TestRuleEngine_SensitiveDataRules(t *testing.T) {
	re, errs := NewRuleEngine(DefaultSensitiveDataRules(), time.Second)
	require.Empty(t, errs)

	content := `const secret_key = "abcd1234abcd1234abcd1234"; contact: jane.doe@example.com`
	matches := re.Run(content)
	assert.Contains(t, matches, "secret-key")
	assert.Contains(t, matches, "email")
	assert.Equal(t, []string{"jane.doe@example.com"}, matches["email"])
}

func TestRuleEngine_TimeoutDoesNotHang(t *testing.T) {
	// An infinite loop must be interrupted by the per-rule timeout rather
	// than hanging the caller.
	rules := []PatternRule{{Name: "infinite", Script: `function match(content) { while (true) {} }`}}
	re, errs := NewRuleEngine(rules, 50*time.Millisecond)
	require.Empty(t, errs)

	done := make(chan struct{})
	go func() {
		re.Run("anything")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rule engine did not honour its execution timeout")
	}
}

func TestRuleEngine_NoMatchesReturnsEmptyMap(t *testing.T) {
	re, errs := NewRuleEngine(DefaultSensitiveDataRules(), time.Second)
	require.Empty(t, errs)
	out := re.Run("nothing interesting here")
	assert.Empty(t, out)
}
