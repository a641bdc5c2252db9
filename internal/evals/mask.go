package evals

// tokenMask marks the positions whose token id is not in the ignore set.
// With an empty ignore set every position is kept.
func tokenMask(tokens [][]int, ignore map[int]bool) [][]bool {
	mask := make([][]bool, len(tokens))
	for b, seq := range tokens {
		row := make([]bool, len(seq))
		for p, id := range seq {
			row[p] = !ignore[id]
		}
		mask[b] = row
	}
	return mask
}

func countKept(mask [][]bool, cols int) int {
	var n int
	for _, row := range mask {
		limit := len(row)
		if cols < limit {
			limit = cols
		}
		for p := 0; p < limit; p++ {
			if row[p] {
				n++
			}
		}
	}
	return n
}
