package gpubox

import (
	"fmt"

	"github.com/dudk/corrpipe/vis"
)

// pfbSize is number of inputs handled by a single filter bank board.
const pfbSize = 64

// storedProducts maps a stored polarization product to the product of the
// swapped pair. The permutation is its own inverse.
var storedProducts = [vis.Polarizations]int{0, 2, 1, 3}

// AntPol is an antenna and polarization of a hardware input.
type AntPol struct {
	Antenna      int
	Polarization int
}

// PFBOrder returns the table that maps filter bank output index to
// hardware input index. Every board of 64 inputs is interleaved by 4.
func PFBOrder(inputs int) ([]int, error) {
	if inputs%pfbSize != 0 {
		return nil, fmt.Errorf("%w: %d inputs is not a multiple of %d", ErrMismatch, inputs, pfbSize)
	}
	order := make([]int, inputs)
	for board := 0; board < inputs/pfbSize; board++ {
		for i := 0; i < pfbSize; i++ {
			order[board*pfbSize+i] = (i%4)*16 + i/4 + board*pfbSize
		}
	}
	return order, nil
}

// IdentityOrder returns the table where filter bank outputs are in input
// order.
func IdentityOrder(inputs int) []int {
	order := make([]int, inputs)
	for i := range order {
		order[i] = i
	}
	return order
}

// route is a destination of a stored sample.
type route struct {
	baseline int
	pol      int
}

// InputMap routes stored samples to baselines. It's immutable once
// created and safe for concurrent use.
type InputMap struct {
	antennas int
	// routes are indexed by stored pair and stored product.
	routes []route
	// conjugated is indexed by (a1*2+p1, a2*2+p2), a1 <= a2.
	conjugated []bool
}

// NewInputMap composes filter bank order with the hardware input table.
// Order maps file input index to hardware input, inputs maps hardware input
// to antenna and polarization.
func NewInputMap(antennas int, order []int, inputs []AntPol) (*InputMap, error) {
	n := antennas * 2
	if len(order) != n || len(inputs) != n {
		return nil, fmt.Errorf("%w: %d antennas with order of %d and %d inputs", ErrMismatch, antennas, len(order), len(inputs))
	}
	outputs := make([]int, n)
	used := make([]bool, n)
	for src, hw := range order {
		if hw < 0 || hw >= n {
			return nil, fmt.Errorf("%w: filter bank output %d maps to input %d", ErrMismatch, src, hw)
		}
		in := inputs[hw]
		out := in.Antenna*2 + in.Polarization
		if in.Antenna < 0 || in.Antenna >= antennas || in.Polarization < 0 || in.Polarization > 1 || used[out] {
			return nil, fmt.Errorf("%w: input %d maps to antenna %d pol %d", ErrMismatch, hw, in.Antenna, in.Polarization)
		}
		used[out] = true
		outputs[src] = out
	}

	m := InputMap{
		antennas:   antennas,
		routes:     make([]route, vis.BaselineCount(antennas)*vis.Polarizations),
		conjugated: make([]bool, n*n),
	}
	for a1 := 0; a1 < antennas; a1++ {
		for a2 := a1; a2 < antennas; a2++ {
			// pair is stored with antennas swapped.
			stored := StoredPairIndex(a2, a1)
			for p1 := 0; p1 < 2; p1++ {
				for p2 := 0; p2 < 2; p2++ {
					src1, src2 := a1*2+p1, a2*2+p2
					out1, out2 := outputs[src1], outputs[src2]
					conj := (out1 < out2 && src1 < src2) || (out1 > out2 && src1 > src2)
					if out1/2 > out2/2 {
						out1, out2 = out2, out1
					}
					act1, act2 := out1/2, out2/2
					pol := (out1%2)*2 + out2%2
					m.conjugated[out1*n+out2] = conj
					m.routes[stored*vis.Polarizations+storedProducts[p1*2+p2]] = route{
						baseline: vis.BaselineIndex(act1, act2, antennas),
						pol:      pol,
					}
				}
			}
		}
	}
	return &m, nil
}

// IsConjugated returns true if stored samples of the product must be
// conjugated. Antennas must be in canonical order.
func (m *InputMap) IsConjugated(a1, a2, p1, p2 int) bool {
	n := m.antennas * 2
	return m.conjugated[(a1*2+p1)*n+a2*2+p2]
}

// Antennas returns number of antennas.
func (m *InputMap) Antennas() int {
	return m.antennas
}
