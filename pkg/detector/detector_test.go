package detector_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/detector"
)

func TestDetector_UntrainedFallsBackToHeuristic(t *testing.T) {
	d := detector.New()
	result := d.Classify("solve the quadratic equation for x")
	assert.Equal(t, detector.MethodHeuristic, result.Method)
	assert.Equal(t, detector.ModeMath, result.Mode)
}

func TestDetector_FitsAndClassifiesWithBayes(t *testing.T) {
	d := detector.New()
	examples := []detector.Example{
		{Query: "solve x^2 - 4 = 0", Mode: detector.ModeMath, Success: true, Weight: 1},
		{Query: "integrate sin(x) dx", Mode: detector.ModeMath, Success: true, Weight: 1},
		{Query: "find the derivative of x^3", Mode: detector.ModeMath, Success: true, Weight: 1},
		{Query: "factor the polynomial x^2 - 5x + 6", Mode: detector.ModeMath, Success: true, Weight: 1},
		{Query: "compute the matrix determinant", Mode: detector.ModeMath, Success: true, Weight: 1},
		{Query: "create a new python project", Mode: detector.ModeBuild, Success: true, Weight: 1},
		{Query: "scaffold a react app", Mode: detector.ModeBuild, Success: true, Weight: 1},
		{Query: "refactor the database module", Mode: detector.ModeBuild, Success: true, Weight: 1},
		{Query: "deploy the service to production", Mode: detector.ModeBuild, Success: true, Weight: 1},
		{Query: "fix the bug in the parser", Mode: detector.ModeBuild, Success: true, Weight: 1},
	}
	d.Fit(examples)
	assert.True(t, d.IsFitted())

	result := d.Classify("solve the equation for the unknown variable")
	assert.Equal(t, detector.MethodBayes, result.Method)
	assert.Equal(t, detector.ModeMath, result.Mode)
	assert.Greater(t, result.Confidence, 0.5)
}

func TestDetector_AddExampleIsOnlineUpdate(t *testing.T) {
	d := detector.New()
	for i := 0; i < 6; i++ {
		d.AddExample("calculate the integral", detector.ModeMath, true, 1.0)
	}
	assert.True(t, d.IsFitted())
}

func TestDetector_ClassifyHybridBlendsBayesAndHeuristic(t *testing.T) {
	d := detector.New()
	for i := 0; i < 6; i++ {
		d.AddExample("solve the equation", detector.ModeMath, true, 1.0)
	}
	result := d.ClassifyHybrid("solve x for the quadratic equation")
	assert.Equal(t, detector.MethodHybrid, result.Method)
	assert.Equal(t, detector.ModeMath, result.Mode)
}

func TestDetector_ClassifyHybridFallsBackWhenUntrained(t *testing.T) {
	d := detector.New()
	result := d.ClassifyHybrid("explain mitosis and the cell cycle")
	assert.Equal(t, detector.MethodHeuristic, result.Method)
}

func TestDetector_SaveAndLoadRoundTrips(t *testing.T) {
	d := detector.New()
	for i := 0; i < 6; i++ {
		d.AddExample("balance the chemical equation", detector.ModeChemistry, true, 1.0)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, d.Save(path))

	loaded, err := detector.Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.IsFitted())

	result := loaded.Classify("balance the equation for the reaction")
	assert.Equal(t, detector.ModeChemistry, result.Mode)
}

func TestSanitizeQuery_StripsControlCharsAndClampsLength(t *testing.T) {
	dirty := "hello\x00world\x1b[31m"
	clean := detector.SanitizeQuery(dirty)
	assert.NotContains(t, clean, "\x00")
	assert.NotContains(t, clean, "\x1b")

	long := strings.Repeat("a", 5000)
	assert.LessOrEqual(t, len(detector.SanitizeQuery(long)), 4096)
}

func TestDetector_UnknownModeFallsBackInAddExample(t *testing.T) {
	d := detector.New()
	d.AddExample("gibberish query", detector.Mode("not-a-real-mode"), true, 1.0)
	stats := d.GetStats()
	assert.Contains(t, stats.ModeDistribution, detector.ModeUnknown)
}
