package testing

import "sync"

// ScriptedRandom replays fixed values. The last value of each script repeats once the script is exhausted.
type ScriptedRandom struct {
	mu     sync.Mutex
	floats []float64
	ints   []int
}

// NewScriptedRandom returns ScriptedRandom drawing Float64 from floats and Intn from ints
func NewScriptedRandom(floats []float64, ints []int) *ScriptedRandom {
	return &ScriptedRandom{floats: floats, ints: ints}
}

// AlwaysRandom returns f from every Float64 call and i%n from every Intn call
func AlwaysRandom(f float64, i int) *ScriptedRandom {
	return NewScriptedRandom([]float64{f}, []int{i})
}

func (r *ScriptedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.floats) == 0 {
		return 0
	}
	f := r.floats[0]
	if len(r.floats) > 1 {
		r.floats = r.floats[1:]
	}
	return f
}

func (r *ScriptedRandom) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ints) == 0 || n <= 0 {
		return 0
	}
	i := r.ints[0]
	if len(r.ints) > 1 {
		r.ints = r.ints[1:]
	}
	return i % n
}
