package capreg_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quintet-kernel/quintet/pkg/capreg"
)

func TestRegistry_CapableBackends(t *testing.T) {
	r := capreg.NewRegistry()
	r.Register(capreg.Capability{Backend: "sympy-bridge", Name: "symbolic_solve", Available: true})
	r.Register(capreg.Capability{Backend: "z3-bridge", Name: "symbolic_solve", Available: false})
	r.Register(capreg.Capability{Backend: "numpy-bridge", Name: "symbolic_solve", Available: true})

	backends := r.CapableBackends("symbolic_solve")
	assert.Equal(t, []string{"numpy-bridge", "sympy-bridge"}, backends)

	assert.Empty(t, r.CapableBackends("quantum_anneal"))
}

func TestSubstitutionCheck_PassesWithinTolerance(t *testing.T) {
	expr := func(a map[string]float64) (float64, error) { return a["x"]*a["x"] - 4, nil }
	result := capreg.SubstitutionCheck(expr, map[string]float64{"x": 2.0001}, 4, capreg.ToleranceConfig{Absolute: 0.01, Relative: 0.01})
	assert.True(t, result.Passed)
}

func TestSubstitutionCheck_FailsOutsideTolerance(t *testing.T) {
	expr := func(a map[string]float64) (float64, error) { return a["x"]*a["x"] - 4, nil }
	result := capreg.SubstitutionCheck(expr, map[string]float64{"x": 3.0}, 4, capreg.ToleranceConfig{Absolute: 0.01, Relative: 0.01})
	assert.False(t, result.Passed)
}

func TestSubstitutionCheck_ExactZero(t *testing.T) {
	expr := func(map[string]float64) (float64, error) { return 0, nil }
	result := capreg.SubstitutionCheck(expr, map[string]float64{}, 0, capreg.ToleranceConfig{})
	assert.True(t, result.Passed)
	assert.Equal(t, "exact symbolic zero", result.Message)
}

func TestSubstitutionCheck_ExpressionError(t *testing.T) {
	expr := func(map[string]float64) (float64, error) { return 0, errors.New("undefined variable") }
	result := capreg.SubstitutionCheck(expr, map[string]float64{}, 0, capreg.ToleranceConfig{})
	assert.False(t, result.Passed)
}

func TestFiniteDifferenceGradientCheck(t *testing.T) {
	// f(x,y) = x^2 + y; df/dx = 2x, df/dy = 1
	expr := func(a map[string]float64) (float64, error) { return a["x"]*a["x"] + a["y"], nil }
	point := map[string]float64{"x": 3.0, "y": 1.0}
	symbolic := map[string]float64{"x": 6.0, "y": 1.0}

	result, err := capreg.FiniteDifferenceGradientCheck(symbolic, expr, []string{"x", "y"}, point, 1e-4, capreg.ToleranceConfig{Absolute: 1e-3, Relative: 1e-3})
	assert := assert.New(t)
	assert.NoError(err)
	assert.True(result.Passed)
	assert.True(result.Components["x"].Passed)
	assert.True(result.Components["y"].Passed)
}

func TestNormalizeSolution_CanonicalOrdering(t *testing.T) {
	raw := []map[string]float64{
		{"beta": 1, "x": 2, "alpha": 3, "y": 4},
	}
	norm := capreg.NormalizeSolution(raw)
	assert.Equal(t, []string{"x", "y", "alpha", "beta"}, norm.VariableOrder)
	assert.Equal(t, 2.0, norm.Solutions[0]["x"])
}

func TestNewRobustnessHint_FlagsIllConditioned(t *testing.T) {
	hint := capreg.NewRobustnessHint(1e10)
	assert.True(t, hint.IllConditioned)

	hint = capreg.NewRobustnessHint(10)
	assert.False(t, hint.IllConditioned)
}
