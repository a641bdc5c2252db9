package simd

import "math"

// ExpFast is a fast approximation of exp(x) for float32.
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation.
func ExpFast(x float32) float32 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// Polynomial approximation for 2^f where f in [0, 1)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	if k >= 0 && k < 128 {
		return float32(p * float64(uint64(1)<<k))
	}
	if k < 0 && k > -128 {
		return float32(p / float64(uint64(1)<<(-k)))
	}
	return float32(p)
}

// TanhFast is a fast approximation of tanh(x)
func TanhFast(x float32) float32 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

const (
	geluSqrt2OverPi = 0.7978845608
	geluCoeff       = 0.044715
)

// Gelu computes the tanh-approximated GELU of a single value.
func Gelu(x float32) float32 {
	return 0.5 * x * (1 + TanhFast(geluSqrt2OverPi*(x+geluCoeff*x*x*x)))
}

// GeluFast applies the GELU approximation in-place.
func GeluFast(data []float32) {
	for i, x := range data {
		data[i] = Gelu(x)
	}
}

// GeluGrad computes d/dx of the tanh-approximated GELU at x.
func GeluGrad(x float32) float32 {
	inner := geluSqrt2OverPi * (x + geluCoeff*x*x*x)
	th := TanhFast(inner)
	sech2 := 1 - th*th
	dinner := geluSqrt2OverPi * (1 + 3*geluCoeff*x*x)
	return 0.5*(1+th) + 0.5*x*sech2*dinner
}

// GeluGradFast writes the GELU derivative of src into dst.
func GeluGradFast(dst, src []float32) {
	for i, x := range src {
		dst[i] = GeluGrad(x)
	}
}

// SoftmaxFast applies softmax in-place to a row. Uses exact exp so that
// downstream KL divergences are not dominated by approximation error.
func SoftmaxFast(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = float32(math.Exp(float64(v - max)))
		sum += row[i]
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecMul performs dst = a * b element-wise.
func VecMul(dst, a, b []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * b[i]
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major
func MatVecMul(dst []float32, mat []float32, vec []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		row := mat[rowStart : rowStart+cols]
		dst[i] = DotProduct(row, vec)
	}
}
