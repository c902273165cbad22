// Package symmetry describes the point group of a diffraction pattern and
// maps Miller indices onto a single asymmetric unit, so that symmetry mates
// and Friedel pairs are merged as one reflection.
package symmetry

import (
	"fmt"
	"sort"

	"xtalreduce/pkg/reflist"
)

// op is an integer operator acting on the column vector (h, k, l)
type op [3][3]int

func (o op) apply(m reflist.Miller) reflist.Miller {
	v := [3]int{m.H, m.K, m.L}
	var r [3]int
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i] += o[i][j] * v[j]
		}
	}
	return reflist.Miller{H: r[0], K: r[1], L: r[2]}
}

func (o op) mul(p op) op {
	var r op
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += o[i][k] * p[k][j]
			}
		}
	}
	return r
}

var (
	identity  = op{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	inversion = op{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}
	twofoldA  = op{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}}
	twofoldB  = op{{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}}
	twofoldC  = op{{-1, 0, 0}, {0, -1, 0}, {0, 0, 1}}
	fourfoldC = op{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	threefold = op{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}} // about [111]
)

// generators lists the supported point groups. Monoclinic groups use the
// unique axis b.
var generators = map[string][]op{
	"1":     nil,
	"-1":    {inversion},
	"2":     {twofoldB},
	"2/m":   {twofoldB, inversion},
	"222":   {twofoldC, twofoldA},
	"mmm":   {twofoldC, twofoldA, inversion},
	"4":     {fourfoldC},
	"4/m":   {fourfoldC, inversion},
	"422":   {fourfoldC, twofoldA},
	"4/mmm": {fourfoldC, twofoldA, inversion},
	"23":    {twofoldC, twofoldA, threefold},
	"m-3":   {twofoldC, twofoldA, threefold, inversion},
	"432":   {fourfoldC, twofoldA, threefold},
	"m-3m":  {fourfoldC, twofoldA, threefold, inversion},
}

// PointGroup is a set of operators closed under composition. A nil
// *PointGroup behaves as point group 1.
type PointGroup struct {
	name string
	ops  []op
}

// Names returns the supported point group symbols, sorted.
func Names() []string {
	out := make([]string, 0, len(generators))
	for n := range generators {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parse returns the point group with the given symbol
func Parse(name string) (*PointGroup, error) {
	gens, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("unknown point group %q (supported: %v)", name, Names())
	}
	return &PointGroup{name: name, ops: closure(gens)}, nil
}

// closure composes the generators until no new operator appears.
func closure(gens []op) []op {
	ops := []op{identity}
	seen := map[op]bool{identity: true}
	for i := 0; i < len(ops); i++ {
		for _, g := range gens {
			n := ops[i].mul(g)
			if !seen[n] {
				seen[n] = true
				ops = append(ops, n)
			}
		}
	}
	return ops
}

// Name returns the point group symbol
func (pg *PointGroup) Name() string {
	if pg == nil {
		return "1"
	}
	return pg.name
}

// Order returns the number of operators in the group
func (pg *PointGroup) Order() int {
	if pg == nil {
		return 1
	}
	return len(pg.ops)
}

// Equivalents returns the distinct indices equivalent to m, m included.
func (pg *PointGroup) Equivalents(m reflist.Miller) []reflist.Miller {
	if pg == nil {
		return []reflist.Miller{m}
	}
	seen := make(map[reflist.Miller]bool, len(pg.ops))
	var out []reflist.Miller
	for _, o := range pg.ops {
		e := o.apply(m)
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// Asymmetric returns the representative of m's equivalents: the one with the
// largest h, then k, then l. All equivalents of m give the same result.
func (pg *PointGroup) Asymmetric(m reflist.Miller) reflist.Miller {
	if pg == nil {
		return m
	}
	best := m
	for _, o := range pg.ops {
		if e := o.apply(m); greater(e, best) {
			best = e
		}
	}
	return best
}

func greater(a, b reflist.Miller) bool {
	if a.H != b.H {
		return a.H > b.H
	}
	if a.K != b.K {
		return a.K > b.K
	}
	return a.L > b.L
}
