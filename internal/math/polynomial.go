package math

import (
	"io"
)

type Polynomial = Scalars
type PolynomialCommitment = Points

// Initialize the coefficients of a random polynomial f(x) of degree t - 1, with its constant
// coefficient set to the given value. Note that a degree t - 1 polynomial has t coefficients
// (including the constant). The constant is cloned and may be modified independently afterwards.
func RandomPolynomial(rand io.Reader, t int, constant Scalar) (Polynomial, error) {
	if t < 1 {
		panic("polynomial must have at least one coefficient")
	}
	f := make(Polynomial, t)
	f[0] = constant.Clone()
	for i := 1; i < t; i++ {
		fᵢ, err := NewScalar().SetRandom(rand)
		if err != nil {
			return nil, err
		}
		f[i] = fᵢ
	}
	return f, nil
}

// f.Eval(x) evaluates the polynomial at the given position using Horner's method and returns the
// result as a new scalar.
func (f Scalars) Eval(x Scalar) Scalar {
	result := NewScalar()
	for i := len(f) - 1; i >= 0; i-- {
		result.Multiply(x).Add(f[i])
	}
	return result
}

// f.EvalDerivative(m, x) evaluates the m-th derivative of the polynomial at the given position and
// returns the result as a new scalar. EvalDerivative(0, x) is equivalent to Eval(x).
func (f Scalars) EvalDerivative(m int, x Scalar) Scalar {
	result := NewScalar()
	for j := len(f) - 1; j >= m; j-- {
		result.Multiply(x).Add(NewScalar().Set(f[j]).Multiply(fallingFactorial(j, m)))
	}
	return result
}

// f.Commitment() computes the Feldman commitment [f₀ * G, f₁ * G, ...] to the polynomial's
// coefficients.
func (f Scalars) Commitment() PolynomialCommitment {
	F := make(PolynomialCommitment, len(f))
	for i, fᵢ := range f {
		F[i] = NewPoint().ScalarBaseMult(fᵢ)
	}
	return F
}

// EvalCommitment evaluates the committed polynomial at the given position in the exponent,
// returning Σ xʲ * Fⱼ.
func EvalCommitment(F PolynomialCommitment, x Scalar) Point {
	result := NewPoint()
	for j := len(F) - 1; j >= 0; j-- {
		result.ScalarMult(x).Add(F[j])
	}
	return result
}

// EvalCommitmentDerivative evaluates the m-th derivative of the committed polynomial at the given
// position in the exponent. A party holding a rank m share d must satisfy
// d * G == EvalCommitmentDerivative(F, m, x).
func EvalCommitmentDerivative(F PolynomialCommitment, m int, x Scalar) Point {
	result := NewPoint()
	for j := len(F) - 1; j >= m; j-- {
		result.ScalarMult(x).Add(F[j].Clone().ScalarMult(fallingFactorial(j, m)))
	}
	return result
}

// fallingFactorial returns j * (j-1) * ... * (j-m+1) as a scalar, the coefficient picked up by the
// x^j term under m-fold differentiation. Returns one for m == 0.
func fallingFactorial(j, m int) Scalar {
	result := NewScalarFromUint(1)
	for i := 0; i < m; i++ {
		result.Multiply(NewScalarFromUint(uint32(j - i)))
	}
	return result
}
