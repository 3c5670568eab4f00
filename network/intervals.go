package network

// intervalGate fires at most once per period. The first call always fires.
type intervalGate struct {
	period int64
	last   int64
	primed bool
}

func newIntervalGate(periodMillis int64) intervalGate {
	return intervalGate{period: periodMillis}
}

func (g *intervalGate) gate(now int64) bool {
	if g.primed && now-g.last < g.period {
		return false
	}
	g.primed = true
	g.last = now
	return true
}
