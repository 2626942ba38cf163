package dsp

// MultiToneDetector reports when every frequency of a tone (e.g. 350+440
// dial tone) is present at once for a run of consecutive blocks.
type MultiToneDetector struct {
	filters   []goertzel
	n         int
	total     float64
	hits      int
	minBlocks int
}

const (
	progressMinEnergy = 4.0e7
	progressShare     = 0.6
	progressMinBlocks = 4 // ~50ms
)

// NewMultiToneDetector returns a detector for the given frequencies.
func NewMultiToneDetector(freqs []float64) *MultiToneDetector {
	d := &MultiToneDetector{minBlocks: progressMinBlocks}
	for _, f := range freqs {
		d.filters = append(d.filters, newGoertzel(f))
	}
	return d
}

// Detect consumes samples and reports whether the tone reached its
// required run length within them. The run restarts after a report.
func (d *MultiToneDetector) Detect(samples []int16) bool {
	if len(d.filters) == 0 {
		return false
	}
	found := false
	for _, s := range samples {
		x := float64(s)
		for i := range d.filters {
			d.filters[i].update(x)
		}
		d.total += x * x
		d.n++
		if d.n < goertzelBlock {
			continue
		}
		if d.blockHit() {
			d.hits++
			if d.hits >= d.minBlocks {
				found = true
				d.hits = 0
			}
		} else {
			d.hits = 0
		}
		for i := range d.filters {
			d.filters[i].reset()
		}
		d.n = 0
		d.total = 0
	}
	return found
}

func (d *MultiToneDetector) blockHit() bool {
	var sum float64
	for i := range d.filters {
		e := d.filters[i].energy()
		if e < progressMinEnergy {
			return false
		}
		sum += e
	}
	return sum*2/goertzelBlock >= progressShare*d.total
}

// Reset clears any partial block and run.
func (d *MultiToneDetector) Reset() {
	for i := range d.filters {
		d.filters[i].reset()
	}
	d.n = 0
	d.total = 0
	d.hits = 0
}
