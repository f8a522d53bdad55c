package math

import (
	"errors"
	"fmt"
)

// Recovery of the constant coefficient of a shared polynomial from party evaluation points and
// ranks. For rank zero parties this is standard Lagrange interpolation at zero; parties with a
// positive rank hold derivative shares and the coefficients are obtained by solving the Birkhoff
// interpolation system instead.

var errSingularSystem = errors.New("interpolation system is singular")

// LagrangeCoeffs computes the Lagrange basis coefficients λᵢ at position zero for the given,
// pairwise distinct evaluation points, so that f(0) = Σ λᵢ * f(xᵢ) for any polynomial f of degree
// less than len(xs).
func LagrangeCoeffs(xs Scalars) (Scalars, error) {
	λ := make(Scalars, len(xs))
	for i, xᵢ := range xs {
		num := NewScalarFromUint(1)
		den := NewScalarFromUint(1)
		for j, xⱼ := range xs {
			if i == j {
				continue
			}
			num.Multiply(xⱼ)
			den.Multiply(xⱼ.Clone().Subtract(xᵢ))
		}
		denInv, ok := den.InverseVarTime()
		if !ok {
			return nil, fmt.Errorf("duplicate evaluation point x_%d: %w", i, errSingularSystem)
		}
		λ[i] = num.Multiply(denInv)
	}
	return λ, nil
}

// BirkhoffCoeffs computes coefficients βᵢ so that f(0) = Σ βᵢ * f⁽ⁿⁱ⁾(xᵢ) for any polynomial f of
// degree less than len(xs), where nᵢ is the rank of party i. The evaluation points must be
// pairwise distinct. All inputs are public values; the computation is not constant time.
func BirkhoffCoeffs(xs Scalars, ranks []uint8) (Scalars, error) {
	if len(xs) != len(ranks) {
		panic("evaluation point and rank lists must have equal length")
	}
	allZero := true
	for _, r := range ranks {
		if r != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return LagrangeCoeffs(xs)
	}

	// Row i of the constraint matrix holds the coefficients mapping the polynomial's
	// coefficient vector to the share f⁽ⁿⁱ⁾(xᵢ).
	k := len(xs)
	c := make([]Scalars, k)
	for i := range c {
		c[i] = make(Scalars, k)
		m := int(ranks[i])
		xPow := NewScalarFromUint(1)
		for j := 0; j < k; j++ {
			if j < m {
				c[i][j] = NewScalar()
				continue
			}
			c[i][j] = fallingFactorial(j, m).Multiply(xPow)
			xPow = xPow.Clone().Multiply(xs[i])
		}
	}

	// Solve Cᵀ β = e₀.
	a := make([]Scalars, k)
	for j := 0; j < k; j++ {
		a[j] = make(Scalars, k)
		for i := 0; i < k; i++ {
			a[j][i] = c[i][j].Clone()
		}
	}
	b := make(Scalars, k)
	for j := range b {
		b[j] = NewScalar()
	}
	b[0].SetUint(1)

	return solveLinearSystem(a, b)
}

// solveLinearSystem solves a β = b by Gaussian elimination with partial pivoting over the scalar
// field. The inputs are modified in place.
func solveLinearSystem(a []Scalars, b Scalars) (Scalars, error) {
	k := len(a)
	for col := 0; col < k; col++ {
		pivot := -1
		for row := col; row < k; row++ {
			if !a[row][col].IsZero() {
				pivot = row
				break
			}
		}
		if pivot == -1 {
			return nil, errSingularSystem
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		pivotInv, ok := a[col][col].Clone().InverseVarTime()
		if !ok {
			return nil, errSingularSystem
		}
		for j := col; j < k; j++ {
			a[col][j].Multiply(pivotInv)
		}
		b[col].Multiply(pivotInv)

		for row := 0; row < k; row++ {
			if row == col || a[row][col].IsZero() {
				continue
			}
			factor := a[row][col].Clone()
			for j := col; j < k; j++ {
				a[row][j].Subtract(factor.Clone().Multiply(a[col][j]))
			}
			b[row].Subtract(factor.Multiply(b[col]))
		}
	}
	return b, nil
}
