package capreg

import "math"

// ToleranceConfig governs how closely a numeric result must agree with
// a symbolic expectation before it is accepted.
type ToleranceConfig struct {
	Absolute     float64
	Relative     float64
	MaxMagnitude float64
}

// Expression is a symbolic expression reduced to a numeric evaluator:
// no computer-algebra library exists in this stack, so the caller's
// symbolic layer (the math backend) supplies the reduction and this
// package only checks the resulting residual against tolerance.
type Expression func(assignment map[string]float64) (float64, error)

// SubstitutionResult is the outcome of a substitution_check.
type SubstitutionResult struct {
	Passed   bool
	Residual float64
	Message  string
}

// SubstitutionCheck evaluates expr at assignment and accepts the
// residual if |residual| <= absolute + relative*|expectedMagnitude|,
// or if the residual is exactly zero (the symbolic-cancellation case).
func SubstitutionCheck(expr Expression, assignment map[string]float64, expectedMagnitude float64, tol ToleranceConfig) SubstitutionResult {
	residual, err := expr(assignment)
	if err != nil {
		return SubstitutionResult{Passed: false, Message: "expression evaluation failed: " + err.Error()}
	}
	if residual == 0 {
		return SubstitutionResult{Passed: true, Residual: 0, Message: "exact symbolic zero"}
	}

	bound := tol.Absolute + tol.Relative*math.Abs(expectedMagnitude)
	passed := math.Abs(residual) <= bound
	msg := "within tolerance"
	if !passed {
		msg = "residual exceeds tolerance bound"
	}
	return SubstitutionResult{Passed: passed, Residual: residual, Message: msg}
}

// GradientCheckResult is the outcome of a finite-difference gradient
// cross-check, one entry per variable.
type GradientCheckResult struct {
	Passed      bool
	Components  map[string]GradientComponent
}

// GradientComponent compares one partial derivative's symbolic value
// against its numeric centered-difference estimate.
type GradientComponent struct {
	Symbolic float64
	Numeric  float64
	Passed   bool
}

// FiniteDifferenceGradientCheck evaluates expr's centered difference at
// point±h for each variable and compares it against the corresponding
// component of symbolicGradient, per spec §4.B. All components must
// agree within tol for the overall check to pass.
func FiniteDifferenceGradientCheck(
	symbolicGradient map[string]float64,
	expr Expression,
	variables []string,
	point map[string]float64,
	h float64,
	tol ToleranceConfig,
) (GradientCheckResult, error) {
	components := make(map[string]GradientComponent, len(variables))
	allPassed := true

	for _, v := range variables {
		plus := cloneAssignment(point)
		minus := cloneAssignment(point)
		plus[v] += h
		minus[v] -= h

		fPlus, err := expr(plus)
		if err != nil {
			return GradientCheckResult{}, err
		}
		fMinus, err := expr(minus)
		if err != nil {
			return GradientCheckResult{}, err
		}

		numeric := (fPlus - fMinus) / (2 * h)
		symbolic := symbolicGradient[v]
		bound := tol.Absolute + tol.Relative*math.Abs(symbolic)
		passed := math.Abs(numeric-symbolic) <= bound
		if !passed {
			allPassed = false
		}
		components[v] = GradientComponent{Symbolic: symbolic, Numeric: numeric, Passed: passed}
	}

	return GradientCheckResult{Passed: allPassed, Components: components}, nil
}

func cloneAssignment(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
