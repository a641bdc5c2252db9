package evals

import "sort"

// Thresholds are the absolute-value cutoffs for the above_* counting
// statistics.
var Thresholds = []float32{0.005, 0.01, 0.02, 0.04}

// JacStat enumerates the statistics computed on a (possibly normalized)
// Jacobian. Each yields one sequence of values per batch, keyed per token.
type JacStat int

const (
	StatHist JacStat = iota
	StatAbsHist
	StatAbsMax
	StatAbove005
	StatAbove01
	StatAbove02
	StatAbove04
)

// JacStats fixes registry iteration order.
var JacStats = []JacStat{
	StatHist,
	StatAbsHist,
	StatAbsMax,
	StatAbove005,
	StatAbove01,
	StatAbove02,
	StatAbove04,
}

func (s JacStat) Code() string {
	switch s {
	case StatHist:
		return "hist"
	case StatAbsHist:
		return "abs_hist"
	case StatAbsMax:
		return "abs_max"
	case StatAbove005:
		return "above_0.005"
	case StatAbove01:
		return "above_0.01"
	case StatAbove02:
		return "above_0.02"
	case StatAbove04:
		return "above_0.04"
	}
	return ""
}

func (s JacStat) threshold() float32 {
	switch s {
	case StatAbove005:
		return 0.005
	case StatAbove01:
		return 0.01
	case StatAbove02:
		return 0.02
	case StatAbove04:
		return 0.04
	}
	return 0
}

// Apply computes the statistic over every token block of j.
func (s JacStat) Apply(j *Jacobian) BatchValue {
	switch s {
	case StatHist:
		return sortedBlocks(j, false)
	case StatAbsHist:
		return sortedBlocks(j, true)
	case StatAbsMax:
		out := make([]float32, j.Tokens)
		for t := 0; t < j.Tokens; t++ {
			var max float32
			for _, v := range j.TokenBlock(t) {
				if a := abs32(v); a > max {
					max = a
				}
			}
			out[t] = max
		}
		return BatchValue{Rows: j.Tokens, Cols: 1, Data: out}
	default:
		thresh := s.threshold()
		out := make([]float32, j.Tokens)
		for t := 0; t < j.Tokens; t++ {
			var count int
			for _, v := range j.TokenBlock(t) {
				if abs32(v) > thresh {
					count++
				}
			}
			out[t] = float32(count)
		}
		return BatchValue{Rows: j.Tokens, Cols: 1, Data: out}
	}
}

// sortedBlocks flattens each token block, optionally takes absolute
// values, and sorts each block ascending. This is the per-batch form of
// the hist statistics.
func sortedBlocks(j *Jacobian, absolute bool) BatchValue {
	size := j.BlockSize()
	out := make([]float32, j.Tokens*size)
	for t := 0; t < j.Tokens; t++ {
		dst := out[t*size : (t+1)*size]
		copy(dst, j.TokenBlock(t))
		if absolute {
			for i, v := range dst {
				dst[i] = abs32(v)
			}
		}
		sort.Slice(dst, func(a, b int) bool { return dst[a] < dst[b] })
	}
	return BatchValue{Rows: j.Tokens, Cols: size, Data: out}
}

// TokenNormStat enumerates the statistics computed on per-token norm
// divisors.
type TokenNormStat int

const (
	TokenNormHist TokenNormStat = iota
	TokenNormMax
)

var TokenNormStats = []TokenNormStat{TokenNormHist, TokenNormMax}

func (s TokenNormStat) Code() string {
	if s == TokenNormMax {
		return "max"
	}
	return "hist"
}

// Apply computes the statistic over the per-token divisors.
func (s TokenNormStat) Apply(d Divisor) BatchValue {
	if s == TokenNormMax {
		var max float32
		for _, v := range d.Token {
			if v > max {
				max = v
			}
		}
		return BatchValue{Rows: 1, Cols: 1, Data: []float32{max}}
	}
	out := make([]float32, len(d.Token))
	copy(out, d.Token)
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return BatchValue{Rows: len(out), Cols: 1, Data: out}
}

// BatchNormStatCode is the single statistic over a per-batch divisor: the
// divisor itself. Its empty code makes the metric key end in "_norm_".
const BatchNormStatCode = ""

// BatchNormValue wraps a batch divisor for accumulation.
func BatchNormValue(d Divisor) BatchValue {
	return BatchValue{Rows: 1, Cols: 1, Data: []float32{d.Batch}}
}

// JacKey builds the metric key for a Jacobian statistic under a
// normalization: jac_<stat> for the identity, jac_normed_<norm>_<stat>
// otherwise.
func JacKey(n Norm, s JacStat) string {
	if n == NormNone {
		return "jac_" + s.Code()
	}
	return "jac_normed_" + n.Code() + "_" + s.Code()
}

// NormKey builds the metric key for a statistic of the norm divisors
// themselves: jac_<norm>_norm_<stat>.
func NormKey(n Norm, statCode string) string {
	return "jac_" + n.Code() + "_norm_" + statCode
}

// JacL1 is the per-token sum of absolute Jacobian entries, computed on the
// raw (unnormalized) Jacobian.
func JacL1(j *Jacobian) BatchValue {
	out := make([]float32, j.Tokens)
	for t := 0; t < j.Tokens; t++ {
		var sum float64
		for _, v := range j.TokenBlock(t) {
			sum += float64(abs32(v))
		}
		out[t] = float32(sum)
	}
	return BatchValue{Rows: j.Tokens, Cols: 1, Data: out}
}

// JacGini is the per-token Gini coefficient of the absolute Jacobian
// entries: 0 for perfectly even magnitudes, approaching 1 when mass
// concentrates in few entries.
func JacGini(j *Jacobian) BatchValue {
	out := make([]float32, j.Tokens)
	buf := make([]float64, j.BlockSize())
	for t := 0; t < j.Tokens; t++ {
		block := j.TokenBlock(t)
		for i, v := range block {
			buf[i] = float64(abs32(v))
		}
		sort.Float64s(buf)

		n := float64(len(buf))
		var total, weighted float64
		for i, v := range buf {
			total += v
			weighted += float64(i+1) * v
		}
		if total == 0 {
			out[t] = 0
			continue
		}
		out[t] = float32(2*weighted/(n*total) - (n+1)/n)
	}
	return BatchValue{Rows: j.Tokens, Cols: 1, Data: out}
}

// JacKurtosis is the per-token excess kurtosis of the raw Jacobian
// entries. Heavier tails than a Gaussian read as positive values; a
// degenerate all-equal block reads as 0.
func JacKurtosis(j *Jacobian) BatchValue {
	out := make([]float32, j.Tokens)
	for t := 0; t < j.Tokens; t++ {
		block := j.TokenBlock(t)
		n := float64(len(block))

		var mean float64
		for _, v := range block {
			mean += float64(v)
		}
		mean /= n

		var m2, m4 float64
		for _, v := range block {
			d := float64(v) - mean
			d2 := d * d
			m2 += d2
			m4 += d2 * d2
		}
		m2 /= n
		m4 /= n
		if m2 == 0 {
			out[t] = 0
			continue
		}
		out[t] = float32(m4/(m2*m2) - 3)
	}
	return BatchValue{Rows: j.Tokens, Cols: 1, Data: out}
}
