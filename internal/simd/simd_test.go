package simd

import (
	"math"
	"testing"
)

func TestExpFast(t *testing.T) {
	inputs := []float32{-10, -2, -0.5, 0, 0.5, 1, 2, 5, 10}
	for _, x := range inputs {
		got := float64(ExpFast(x))
		want := math.Exp(float64(x))
		relErr := math.Abs(got-want) / want
		if relErr > 0.01 {
			t.Errorf("ExpFast(%f) = %f, want %f (rel err %f)", x, got, want, relErr)
		}
	}
}

func TestTanhFast(t *testing.T) {
	inputs := []float32{-5, -1, -0.1, 0, 0.1, 1, 5}
	for _, x := range inputs {
		got := float64(TanhFast(x))
		want := math.Tanh(float64(x))
		if math.Abs(got-want) > 0.01 {
			t.Errorf("TanhFast(%f) = %f, want %f", x, got, want)
		}
	}
}

func TestGeluGrad(t *testing.T) {
	// Finite-difference check of the analytic derivative
	const h = 1e-3
	for _, x := range []float32{-2, -0.5, 0, 0.5, 2} {
		numeric := (Gelu(x+h) - Gelu(x-h)) / (2 * h)
		analytic := GeluGrad(x)
		if math.Abs(float64(numeric-analytic)) > 5e-3 {
			t.Errorf("GeluGrad(%f) = %f, finite diff = %f", x, analytic, numeric)
		}
	}
}

func TestSoftmaxFast(t *testing.T) {
	row := []float32{1, 2, 3, 4}
	SoftmaxFast(row)

	var sum float32
	for _, v := range row {
		sum += v
		if v <= 0 || v >= 1 {
			t.Errorf("softmax value out of range: %f", v)
		}
	}
	if math.Abs(float64(sum)-1.0) > 1e-5 {
		t.Errorf("softmax does not sum to 1: %f", sum)
	}
	// Monotonic in the inputs
	for i := 1; i < len(row); i++ {
		if row[i] <= row[i-1] {
			t.Errorf("softmax not monotonic at %d: %v", i, row)
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1}
	// 5 + 8 + 9 + 8 + 5 = 35
	if got := DotProduct(a, b); got != 35 {
		t.Errorf("DotProduct = %f, want 35", got)
	}
}

func TestVecOps(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5, 6}
	src := []float32{1, 1, 1, 1, 1, 1}

	VecAdd(dst, src)
	for i, v := range dst {
		if v != float32(i+2) {
			t.Fatalf("VecAdd mismatch at %d: %f", i, v)
		}
	}

	VecAddScaled(dst, src, 2)
	for i, v := range dst {
		if v != float32(i+4) {
			t.Fatalf("VecAddScaled mismatch at %d: %f", i, v)
		}
	}

	out := make([]float32, len(dst))
	VecMul(out, dst, src)
	for i := range out {
		if out[i] != dst[i] {
			t.Fatalf("VecMul mismatch at %d", i)
		}
	}
}

func TestMatVecMul(t *testing.T) {
	// 2x3 matrix
	mat := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	vec := []float32{1, 0, 1}
	dst := make([]float32, 2)
	MatVecMul(dst, mat, vec, 2, 3)
	if dst[0] != 4 || dst[1] != 10 {
		t.Errorf("MatVecMul = %v, want [4 10]", dst)
	}
}
