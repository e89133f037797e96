package opt

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"poolroute/internal/model"
)

const eps = 1e-9

// Options tunes one search. Zero values fall back to the quick preset.
type Options struct {
	Seed          int64
	TimeBudget    time.Duration
	MaxIterations int
	// StallLimit stops the search after this many iterations without a new best.
	StallLimit              int
	Weights                 model.Weights
	InitialTemp             float64 // initial temperature for SA
	Cooling                 float64 // cooling factor per iteration
	InitialRemovalWeights   []float64 // [random, shaw]
	InitialInsertionWeights []float64 // [greedy, regret2]
}

func DefaultWeights() model.Weights {
	return model.Weights{DriveMinutes: 1, Unassigned: 10000, Reassignment: 5}
}

// Presets maps a speed to its search budget. Speed never changes which constraints hold.
func Presets(speed model.Speed) Options {
	if speed == model.SpeedThorough {
		return Options{TimeBudget: 120 * time.Second, MaxIterations: 8000, StallLimit: 1000}
	}
	return Options{TimeBudget: 30 * time.Second, MaxIterations: 2000, StallLimit: 300}
}

func (o Options) withDefaults() Options {
	q := Presets(model.SpeedQuick)
	if o.TimeBudget <= 0 {
		o.TimeBudget = q.TimeBudget
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = q.MaxIterations
	}
	if o.StallLimit <= 0 {
		o.StallLimit = q.StallLimit
	}
	if o.Weights == (model.Weights{}) {
		o.Weights = DefaultWeights()
	}
	if o.Weights.DriveMinutes == 0 && o.Weights.DistanceMiles == 0 {
		o.Weights.DriveMinutes = 1
	}
	if o.Weights.Unassigned <= 0 {
		o.Weights.Unassigned = DefaultWeights().Unassigned
	}
	if o.InitialTemp <= 0 {
		o.InitialTemp = 10
	}
	if o.Cooling <= 0 || o.Cooling >= 1 {
		o.Cooling = 0.995
	}
	return o
}

type RoutePlan struct {
	VehicleID string
	Vehicle   int
	Order     []int // indices into Model.Nodes
}

type Solution struct {
	Plans         []RoutePlan
	Unassigned    []model.Unassigned
	Cost          float64
	Reassignments int
	Seed          int64
}

// Assigned counts stops placed on some plan.
func (s Solution) Assigned() int {
	n := 0
	for _, p := range s.Plans {
		n += len(p.Order)
	}
	return n
}

type Metrics struct {
	Seed                  int64
	Iterations            int
	Improvements          int
	AcceptedWorse         int
	RemovalSelects        [2]int // random, shaw
	InsertSelects         [2]int // greedy, regret2
	InitialCost           float64
	BestCost              float64
	FinalRemovalWeights   [2]float64
	FinalInsertionWeights [2]float64
	Snapshots             []WeightSnapshot
	Prescreened           int
	StopReason            string
	ElapsedMs             int64
}

type WeightSnapshot struct {
	Iteration int
	Removal   [2]float64
	Insertion [2]float64
}

// Search stop reasons.
const (
	StopIterations = "iterations"
	StopStall      = "stall"
	StopBudget     = "budget"
	StopCancelled  = "cancelled"
	StopExhausted  = "nothing_to_search"
)

// Solve runs adaptive large neighbourhood search over m. It returns the best solution
// found when the budget, iteration cap, stall limit or ctx ends the search; none of
// those is an error. The same model and seed give the same result whenever the search
// is ended by its iteration or stall limit rather than the wall clock.
func Solve(ctx context.Context, m *Model, opts Options) (Solution, Metrics, error) {
	start := time.Now()
	if m.matrix == nil {
		return Solution{}, Metrics{}, ErrNoMatrix
	}
	opts = opts.withDefaults()
	seed := opts.Seed
	if seed == 0 {
		seed = DeriveSeed(m)
	}
	s := &search{m: m, w: opts.Weights, rng: rand.New(rand.NewSource(seed)), stability: m.Mode != model.ModeRefine}
	met := Metrics{Seed: seed}

	usable := false
	for _, v := range m.Vehicles {
		if v.End > v.Start {
			usable = true
			break
		}
	}
	if !usable {
		return Solution{}, met, &InfeasibleError{Day: m.Day, Class: ClassWorkingHours, Detail: "no technician has a usable shift"}
	}

	rejected, candidates := s.prescreen()
	met.Prescreened = len(rejected)

	curr := s.greedySeed(candidates)
	best := curr.clone()
	met.InitialCost = curr.cost
	met.BestCost = best.cost

	remW := []float64{1, 1}
	insW := []float64{1, 1}
	if len(opts.InitialRemovalWeights) == 2 {
		remW = []float64{opts.InitialRemovalWeights[0], opts.InitialRemovalWeights[1]}
	}
	if len(opts.InitialInsertionWeights) == 2 {
		insW = []float64{opts.InitialInsertionWeights[0], opts.InitialInsertionWeights[1]}
	}
	temp := opts.InitialTemp
	deadline := start.Add(opts.TimeBudget)
	snapshotEvery := 50
	stall := 0

	met.StopReason = StopIterations
	if len(candidates) == 0 {
		met.StopReason = StopExhausted
	}
	for len(candidates) > 0 {
		if ctx.Err() != nil {
			met.StopReason = StopCancelled
			break
		}
		if !time.Now().Before(deadline) {
			met.StopReason = StopBudget
			break
		}
		if met.Iterations >= opts.MaxIterations {
			met.StopReason = StopIterations
			break
		}
		if stall >= opts.StallLimit {
			met.StopReason = StopStall
			break
		}
		met.Iterations++
		stall++

		k := 1 + s.rng.Intn(3)
		op := selectOp(remW, s.rng)
		met.RemovalSelects[op]++
		ip := selectOp(insW, s.rng)
		met.InsertSelects[ip]++

		var removed []int
		switch op {
		case 0:
			removed = s.pickRandomNodes(curr, k)
		case 1:
			removed = s.shawRemoval(curr, k)
		}
		cand := removeNodes(curr, removed)
		// Pool stops get another chance every iteration.
		reinsert := append(append([]int(nil), removed...), cand.pool...)
		cand.pool = nil
		switch ip {
		case 0:
			cand = s.greedyInsert(cand, reinsert)
		case 1:
			cand = s.regretInsert(cand, reinsert)
		}
		cand = s.twoOptImprove(cand)
		cand = s.orOptImprove(cand)
		if met.Iterations%25 == 0 {
			cand = s.crossExchangeImprove(cand)
		}
		s.evaluate(&cand)

		delta := cand.cost - curr.cost
		if delta < 0 || s.rng.Float64() < math.Exp(-delta/(temp+eps)) {
			curr = cand
			if better(curr, best) {
				best = curr.clone()
				remW[op] += 0.1
				insW[ip] += 0.1
				met.Improvements++
				met.BestCost = best.cost
				stall = 0
			} else {
				remW[op] += 0.01
				insW[ip] += 0.01
				met.AcceptedWorse++
			}
		} else {
			remW[op] = math.Max(0.01, remW[op]*0.999)
			insW[ip] = math.Max(0.01, insW[ip]*0.999)
		}
		temp *= opts.Cooling
		if met.Iterations%snapshotEvery == 0 {
			met.Snapshots = append(met.Snapshots, WeightSnapshot{Iteration: met.Iterations, Removal: [2]float64{remW[0], remW[1]}, Insertion: [2]float64{insW[0], insW[1]}})
		}
	}
	best = s.crossExchangeImprove(best)
	s.evaluate(&best)
	met.BestCost = best.cost
	met.FinalRemovalWeights = [2]float64{remW[0], remW[1]}
	met.FinalInsertionWeights = [2]float64{insW[0], insW[1]}
	met.ElapsedMs = time.Since(start).Milliseconds()

	sol := s.solution(best, rejected, seed)
	if sol.Assigned() == 0 && len(rejected) > 0 && len(rejected) == len(m.Nodes) {
		allHours := true
		for _, u := range rejected {
			if u.Reason != model.ReasonExceedsWorkingHours {
				allHours = false
				break
			}
		}
		if allHours {
			return sol, met, &InfeasibleError{Day: m.Day, Class: ClassWorkingHours,
				Detail: "no stop fits inside any technician's shift"}
		}
	}
	return sol, met, nil
}

// DeriveSeed hashes the model's identity so unseeded runs are still reproducible.
func DeriveSeed(m *Model) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(m.Day) + "|" + string(m.Mode)))
	for _, n := range m.Nodes {
		_, _ = h.Write([]byte("|s:" + n.StopID))
	}
	for _, v := range m.Vehicles {
		_, _ = h.Write([]byte("|t:" + v.ID))
	}
	seed := int64(h.Sum64() & math.MaxInt64)
	if seed == 0 {
		seed = 1
	}
	return seed
}

type search struct {
	m         *Model
	w         model.Weights
	rng       *rand.Rand
	stability bool
}

// state is the search's working solution: one order per vehicle plus the unplaced pool.
type state struct {
	plans    [][]int
	pool     []int
	cost     float64
	reassign int
}

func (st state) clone() state {
	out := state{plans: make([][]int, len(st.plans)), pool: append([]int(nil), st.pool...), cost: st.cost, reassign: st.reassign}
	for i, p := range st.plans {
		out.plans[i] = append([]int(nil), p...)
	}
	return out
}

func better(a, b state) bool {
	if a.cost < b.cost-eps {
		return true
	}
	return math.Abs(a.cost-b.cost) <= eps && a.reassign < b.reassign
}

// schedule walks an order from the shift start. windowFail reports that a window's latest
// bound was what broke it.
func (s *search) schedule(v int, order []int) (ok, windowFail bool) {
	veh := s.m.Vehicles[v]
	if veh.MaxStops > 0 && len(order) > veh.MaxStops {
		return false, false
	}
	if len(order) == 0 {
		return true, false
	}
	t := veh.Start
	prev := veh.StartPoint
	for _, ni := range order {
		nd := s.m.Nodes[ni]
		t += s.m.minutes(prev, nd.Point)
		if nd.Window != nil {
			if t < float64(nd.Window.Earliest) {
				t = float64(nd.Window.Earliest)
			}
			if t > float64(nd.Window.Latest)+eps {
				return false, true
			}
		}
		t += nd.Service
		prev = nd.Point
	}
	t += s.m.minutes(prev, veh.EndPoint)
	return t <= veh.End+eps, false
}

func (s *search) feasible(v int, order []int) bool {
	ok, _ := s.schedule(v, order)
	return ok
}

// prescreen rejects stops that no allowed vehicle could serve even alone.
func (s *search) prescreen() (map[int]model.Unassigned, []int) {
	rejected := map[int]model.Unassigned{}
	var candidates []int
	for ni, nd := range s.m.Nodes {
		allowed := 0
		fits := false
		windowEverywhere := true
		for v := range s.m.Vehicles {
			if !nd.allows(v) {
				continue
			}
			allowed++
			ok, wf := s.schedule(v, []int{ni})
			if ok {
				fits = true
				break
			}
			if !wf {
				windowEverywhere = false
			}
		}
		switch {
		case fits:
			candidates = append(candidates, ni)
		case allowed == 0:
			rejected[ni] = model.Unassigned{StopID: nd.StopID, Reason: model.ReasonTechnicianUnavailable, Day: s.m.Day,
				Detail: "assigned technician is not available"}
		case windowEverywhere:
			rejected[ni] = model.Unassigned{StopID: nd.StopID, Reason: model.ReasonInfeasibleWindow, Day: s.m.Day,
				Detail: "time window cannot be reached within working hours"}
		default:
			rejected[ni] = model.Unassigned{StopID: nd.StopID, Reason: model.ReasonExceedsWorkingHours, Day: s.m.Day,
				Detail: "visit does not fit inside any shift"}
		}
	}
	return rejected, candidates
}

func (s *search) legCost(a, b int) float64 {
	return s.w.DriveMinutes*s.m.minutes(a, b) + s.w.DistanceMiles*s.m.miles(a, b)
}

func (s *search) planCost(v int, order []int) float64 {
	if len(order) == 0 {
		return 0
	}
	veh := s.m.Vehicles[v]
	total := 0.0
	prev := veh.StartPoint
	for _, ni := range order {
		p := s.m.Nodes[ni].Point
		total += s.legCost(prev, p)
		prev = p
	}
	return total + s.legCost(prev, veh.EndPoint)
}

func (s *search) reassigned(v, ni int) bool {
	a := s.m.Nodes[ni].Anchor
	return s.stability && a >= 0 && a != v
}

func (s *search) evaluate(st *state) {
	total := 0.0
	st.reassign = 0
	for v, order := range st.plans {
		total += s.planCost(v, order)
		for _, ni := range order {
			if s.reassigned(v, ni) {
				st.reassign++
			}
		}
	}
	st.cost = total + s.w.Reassignment*float64(st.reassign) + s.w.Unassigned*float64(len(st.pool))
}

func (s *search) insertDelta(v int, order []int, ni, pos int) float64 {
	veh := s.m.Vehicles[v]
	p := s.m.Nodes[ni].Point
	var d float64
	if len(order) == 0 {
		d = s.legCost(veh.StartPoint, p) + s.legCost(p, veh.EndPoint)
	} else {
		prev := veh.StartPoint
		if pos > 0 {
			prev = s.m.Nodes[order[pos-1]].Point
		}
		next := veh.EndPoint
		if pos < len(order) {
			next = s.m.Nodes[order[pos]].Point
		}
		d = s.legCost(prev, p) + s.legCost(p, next) - s.legCost(prev, next)
	}
	if s.reassigned(v, ni) {
		d += s.w.Reassignment
	}
	return d
}

func insertAt(order []int, pos, ni int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, ni)
	return append(out, order[pos:]...)
}

func (s *search) greedySeed(candidates []int) state {
	st := state{plans: make([][]int, len(s.m.Vehicles))}
	st = s.greedyInsert(st, candidates)
	st = s.twoOptImprove(st)
	st = s.orOptImprove(st)
	s.evaluate(&st)
	return st
}

// greedyInsert places nodes one at a time at the cheapest feasible position.
// Nodes with no feasible position go to the pool.
func (s *search) greedyInsert(st state, nodes []int) state {
	nodes = append([]int(nil), nodes...)
	for len(nodes) > 0 {
		bestNode, bestPlan, bestPos := -1, -1, -1
		bestCost := math.MaxFloat64
		for k, ni := range nodes {
			nd := s.m.Nodes[ni]
			for v, order := range st.plans {
				if !nd.allows(v) {
					continue
				}
				for pos := 0; pos <= len(order); pos++ {
					c := s.insertDelta(v, order, ni, pos)
					if c >= bestCost {
						continue
					}
					if !s.feasible(v, insertAt(order, pos, ni)) {
						continue
					}
					bestNode, bestPlan, bestPos, bestCost = k, v, pos, c
				}
			}
		}
		if bestNode == -1 {
			st.pool = append(st.pool, nodes...)
			break
		}
		st.plans[bestPlan] = insertAt(st.plans[bestPlan], bestPos, nodes[bestNode])
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	s.evaluate(&st)
	return st
}

// regretInsert places first the node that would lose most by waiting (regret-2).
func (s *search) regretInsert(st state, nodes []int) state {
	nodes = append([]int(nil), nodes...)
	for len(nodes) > 0 {
		bestNode, bestPlan, bestPos := -1, -1, -1
		bestRegret, bestFirst := -1.0, math.MaxFloat64
		for k, ni := range nodes {
			nd := s.m.Nodes[ni]
			best1, best2 := math.MaxFloat64, math.MaxFloat64
			bp, bpos := -1, -1
			for v, order := range st.plans {
				if !nd.allows(v) {
					continue
				}
				for pos := 0; pos <= len(order); pos++ {
					c := s.insertDelta(v, order, ni, pos)
					if c >= best2 {
						continue
					}
					if !s.feasible(v, insertAt(order, pos, ni)) {
						continue
					}
					if c < best1 {
						best2 = best1
						best1, bp, bpos = c, v, pos
					} else {
						best2 = c
					}
				}
			}
			if bp == -1 {
				continue
			}
			regret := best2 - best1
			if best2 == math.MaxFloat64 {
				// Only one option left: place it before it disappears.
				regret = math.MaxFloat64 / 2
			}
			if regret > bestRegret+eps || (math.Abs(regret-bestRegret) <= eps && best1 < bestFirst) {
				bestNode, bestPlan, bestPos = k, bp, bpos
				bestRegret, bestFirst = regret, best1
			}
		}
		if bestNode == -1 {
			st.pool = append(st.pool, nodes...)
			break
		}
		st.plans[bestPlan] = insertAt(st.plans[bestPlan], bestPos, nodes[bestNode])
		nodes = append(nodes[:bestNode], nodes[bestNode+1:]...)
	}
	s.evaluate(&st)
	return st
}

func assignedNodes(st state) []int {
	var out []int
	for _, p := range st.plans {
		out = append(out, p...)
	}
	return out
}

func (s *search) pickRandomNodes(st state, k int) []int {
	all := assignedNodes(st)
	var removed []int
	for i := 0; i < k && len(all) > 0; i++ {
		j := s.rng.Intn(len(all))
		removed = append(removed, all[j])
		all = append(all[:j], all[j+1:]...)
	}
	return removed
}

// shawRemoval removes a random stop and the k-1 stops most related to it by travel time
// and overlapping windows.
func (s *search) shawRemoval(st state, k int) []int {
	assigned := assignedNodes(st)
	if len(assigned) == 0 {
		return nil
	}
	seed := assigned[s.rng.Intn(len(assigned))]
	sn := s.m.Nodes[seed]
	type pair struct {
		idx   int
		score float64
	}
	var rel []pair
	for _, ni := range assigned {
		if ni == seed {
			continue
		}
		n := s.m.Nodes[ni]
		score := s.m.minutes(sn.Point, n.Point) + s.m.minutes(n.Point, sn.Point)
		if sn.Window != nil && n.Window != nil {
			score -= 0.5 * twOverlap(*sn.Window, *n.Window)
		}
		rel = append(rel, pair{idx: ni, score: score})
	}
	sort.SliceStable(rel, func(i, j int) bool { return rel[i].score < rel[j].score })
	removed := []int{seed}
	for i := 0; i < len(rel) && len(removed) < k; i++ {
		removed = append(removed, rel[i].idx)
	}
	return removed
}

func twOverlap(a, b model.TimeWindow) float64 {
	start := max(a.Earliest, b.Earliest)
	end := min(a.Latest, b.Latest)
	if end < start {
		return 0
	}
	return float64(end - start)
}

func removeNodes(st state, removed []int) state {
	if len(removed) == 0 {
		return st.clone()
	}
	rm := map[int]bool{}
	for _, i := range removed {
		rm[i] = true
	}
	out := state{plans: make([][]int, len(st.plans)), pool: append([]int(nil), st.pool...)}
	for v, order := range st.plans {
		for _, ni := range order {
			if !rm[ni] {
				out.plans[v] = append(out.plans[v], ni)
			}
		}
	}
	return out
}

func selectOp(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := rng.Float64() * sum
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(weights) - 1
}

func (s *search) solution(st state, rejected map[int]model.Unassigned, seed int64) Solution {
	sol := Solution{Cost: st.cost, Reassignments: st.reassign, Seed: seed}
	for v, order := range st.plans {
		sol.Plans = append(sol.Plans, RoutePlan{VehicleID: s.m.Vehicles[v].ID, Vehicle: v, Order: append([]int(nil), order...)})
	}
	pooled := map[int]bool{}
	for _, ni := range st.pool {
		pooled[ni] = true
	}
	for ni, nd := range s.m.Nodes {
		if u, ok := rejected[ni]; ok {
			sol.Unassigned = append(sol.Unassigned, u)
			continue
		}
		if pooled[ni] {
			sol.Unassigned = append(sol.Unassigned, model.Unassigned{StopID: nd.StopID, Reason: model.ReasonInsufficientCapacity, Day: s.m.Day,
				Detail: "no technician had room for this visit"})
		}
	}
	return sol
}
