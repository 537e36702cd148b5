package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Demo generates a slowly drifting cabin temperature for testing.
type Demo struct {
	mu sync.Mutex
	t  float64
}

func NewDemo() *Demo { return &Demo{} }

func (d *Demo) Name() string { return "demo" }

func (d *Demo) Latest() (Sample, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	c := 28 + 6*math.Sin(d.t*0.05) + rand.Float64()*0.5
	return Sample{
		TemperatureF: CToF(c),
		Overheating:  c > DefaultOverheatC,
		Timestamp:    time.Now(),
	}, true
}
