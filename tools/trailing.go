package tools

// TrailingStop ratchets a stop price upward as the market rises. The stop
// never moves down, so gains are locked in while the trade runs.
type TrailingStop struct {
	current float64
	stop    float64
	active  bool
}

func NewTrailingStop() *TrailingStop {
	return &TrailingStop{}
}

// Start arms the stop at the given levels.
func (t *TrailingStop) Start(current, stop float64) {
	t.stop = stop
	t.current = current
	t.active = true
}

// Stop disarms without triggering.
func (t *TrailingStop) Stop() {
	t.active = false
}

func (t TrailingStop) Active() bool {
	return t.active
}

// Update feeds a new price and reports whether the stop fired. A rising
// price drags the stop up by the same distance; a falling price leaves it
// in place.
func (t *TrailingStop) Update(current float64) bool {
	if !t.active {
		return false
	}

	if current > t.current {
		t.stop = t.stop + (current - t.current)
		t.current = current
		return false
	}

	t.current = current
	return current <= t.stop
}
