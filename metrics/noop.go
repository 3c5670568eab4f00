package metrics

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	nc := &NoopCollector{}
	return nc
}

func (nc *NoopCollector) DatagramReceived()             {}
func (nc *NoopCollector) DatagramForwarded()            {}
func (nc *NoopCollector) DatagramDropped(reason string) {}
func (nc *NoopCollector) FragmentedPacketCompleted()    {}
func (nc *NoopCollector) WhoisSent()                    {}
func (nc *NoopCollector) WhoisResolved()                {}
func (nc *NoopCollector) WhoisExpired()                 {}
func (nc *NoopCollector) Peers(_ int)                   {}
func (nc *NoopCollector) Paths(_ int)                   {}
func (nc *NoopCollector) Roots(_ int)                   {}
