package similarity

// maxCompareRunes bounds the input to the sequence matcher, which is
// quadratic in the input length.
const maxCompareRunes = 1024

// SequenceRatio returns the Ratcliff/Obershelp similarity of a and b:
// twice the number of matching characters divided by the total length.
// Matching characters are found by taking the longest common substring
// and recursing on both sides of it. Inputs are put in a fixed order first
// so the ratio is symmetric.
func SequenceRatio(a, b string) float64 {
	if a > b {
		a, b = b, a
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) > maxCompareRunes {
		ra = ra[:maxCompareRunes]
	}
	if len(rb) > maxCompareRunes {
		rb = rb[:maxCompareRunes]
	}
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	i, j, k := longestMatch(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+k:], b[j+k:])
}

// longestMatch finds the longest common substring of a and b. Ties go to
// the match that ends earliest in a, then in b.
func longestMatch(a, b []rune) (int, int, int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best, bi, bj := 0, 0, 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				cur[j] = 0
				continue
			}
			cur[j] = prev[j-1] + 1
			if cur[j] > best {
				best, bi, bj = cur[j], i-cur[j], j-cur[j]
			}
		}
		prev, cur = cur, prev
	}
	return bi, bj, best
}

// Jaccard returns |a ∩ b| / |a ∪ b| over token sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
