package opt

// Local search passes. Each keeps every plan feasible and only accepts strict cost drops,
// so the passes terminate.

const maxLocalPasses = 50

// twoOptImprove reverses segments within each plan when that shortens it.
func (s *search) twoOptImprove(st state) state {
	for v := range st.plans {
		order := st.plans[v]
		n := len(order)
		cur := s.planCost(v, order)
		improved := true
		for pass := 0; improved && pass < maxLocalPasses; pass++ {
			improved = false
			for i := 0; i < n-1; i++ {
				for k := i + 1; k < n; k++ {
					cand := twoOptSwap(order, i, k)
					c := s.planCost(v, cand)
					if c+1e-6 >= cur || !s.feasible(v, cand) {
						continue
					}
					order, cur = cand, c
					improved = true
				}
			}
		}
		st.plans[v] = order
	}
	s.evaluate(&st)
	return st
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// orOptImprove relocates single stops within their plan.
func (s *search) orOptImprove(st state) state {
	for v := range st.plans {
		order := st.plans[v]
		cur := s.planCost(v, order)
		improved := true
		for pass := 0; improved && pass < maxLocalPasses; pass++ {
			improved = false
			for i := 0; i < len(order); i++ {
				for j := 0; j < len(order); j++ {
					if j == i {
						continue
					}
					cand := relocate(order, i, j)
					c := s.planCost(v, cand)
					if c+1e-6 >= cur || !s.feasible(v, cand) {
						continue
					}
					order, cur = cand, c
					improved = true
				}
			}
		}
		st.plans[v] = order
	}
	s.evaluate(&st)
	return st
}

// relocate moves ord[i] so that it ends up at index j.
func relocate(ord []int, i, j int) []int {
	node := ord[i]
	rest := make([]int, 0, len(ord)-1)
	rest = append(rest, ord[:i]...)
	rest = append(rest, ord[i+1:]...)
	return insertAt(rest, j, node)
}

// crossExchangeImprove swaps single stops between two plans when both stay feasible
// and the combined cost, stability penalty included, drops.
func (s *search) crossExchangeImprove(st state) state {
	m := len(st.plans)
	if m < 2 {
		return st
	}
	penalty := func(v int, order []int) float64 {
		c := s.planCost(v, order)
		for _, ni := range order {
			if s.reassigned(v, ni) {
				c += s.w.Reassignment
			}
		}
		return c
	}
	improved := true
	for pass := 0; improved && pass < maxLocalPasses; pass++ {
		improved = false
		for a := 0; a < m; a++ {
			for b := a + 1; b < m; b++ {
				for i := 0; i < len(st.plans[a]); i++ {
					for j := 0; j < len(st.plans[b]); j++ {
						pa, pb := st.plans[a], st.plans[b]
						na, nb := pa[i], pb[j]
						if !s.m.Nodes[na].allows(b) || !s.m.Nodes[nb].allows(a) {
							continue
						}
						ca := append([]int(nil), pa...)
						cb := append([]int(nil), pb...)
						ca[i], cb[j] = nb, na
						before := penalty(a, pa) + penalty(b, pb)
						after := penalty(a, ca) + penalty(b, cb)
						if after+1e-6 >= before {
							continue
						}
						if !s.feasible(a, ca) || !s.feasible(b, cb) {
							continue
						}
						st.plans[a], st.plans[b] = ca, cb
						improved = true
					}
				}
			}
		}
	}
	s.evaluate(&st)
	return st
}
