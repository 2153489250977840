package hedger

// offsetPlan is the bounded list of maker offsets to try when placing the
// primary leg. Extensions (for post-only orders rejected as crossing the
// book) grow the last offset by a fixed factor up to a hard ceiling and a
// bounded number of extra attempts.
type offsetPlan struct {
	offsets    []float64
	idx        int
	factor     float64
	maxPct     float64
	extensions int
	maxExtend  int
}

func newOffsetPlan(base []float64, factor, maxPct float64, maxExtend int) *offsetPlan {
	offsets := make([]float64, len(base))
	copy(offsets, base)
	return &offsetPlan{
		offsets:   offsets,
		factor:    factor,
		maxPct:    maxPct,
		maxExtend: maxExtend,
	}
}

// Next returns the next offset to try, or false when the plan is exhausted.
func (p *offsetPlan) Next() (float64, bool) {
	if p.idx >= len(p.offsets) {
		return 0, false
	}
	off := p.offsets[p.idx]
	p.idx++
	return off, true
}

// Extend appends a larger offset derived from the given one. Returns false
// when the extension budget or the ceiling is exhausted.
func (p *offsetPlan) Extend(from float64) bool {
	if p.extensions >= p.maxExtend {
		return false
	}
	next := from * p.factor
	if next > p.maxPct {
		next = p.maxPct
	}
	if next <= from+1e-12 {
		return false
	}
	p.offsets = append(p.offsets, next)
	p.extensions++
	return true
}

// Extensions reports how many fallback offsets were appended.
func (p *offsetPlan) Extensions() int {
	return p.extensions
}
