package proxy

// Plugin observes the request lifecycle. Implementations embed NopPlugin and
// override only the events they care about. A plugin signals a caller-visible
// outcome by returning an *apierr.ImmediateResponse; the bus propagates it
// immediately, skipping the remaining plugins for that event.
//
// Plugins share no implicit state; any coordination happens via the
// RoutingSlip.
type Plugin interface {
	Name() string

	// Startup events — no slip.
	OnPluginInstantiated() error
	OnPrintConfiguration(print func(line string))

	// Per-request lifecycle events, fired in this order. The body-dict event
	// fires only on buffered responses whose body parses as JSON; the data
	// and end-of-stream events fire only on streaming responses.
	OnNewRequestReceived(slip *RoutingSlip) error
	OnClientIdentified(slip *RoutingSlip) error
	OnHeadersFromTargetReceived(slip *RoutingSlip) error
	OnBodyDictFromTargetAvailable(slip *RoutingSlip) error
	OnDataEventFromTargetReceived(slip *RoutingSlip) error
	OnEndOfTargetResponseStreamReached(slip *RoutingSlip) error
}

// NopPlugin is the no-op implementation of every lifecycle event.
type NopPlugin struct{}

func (NopPlugin) OnPluginInstantiated() error                           { return nil }
func (NopPlugin) OnPrintConfiguration(func(string))                     {}
func (NopPlugin) OnNewRequestReceived(*RoutingSlip) error               { return nil }
func (NopPlugin) OnClientIdentified(*RoutingSlip) error                 { return nil }
func (NopPlugin) OnHeadersFromTargetReceived(*RoutingSlip) error        { return nil }
func (NopPlugin) OnBodyDictFromTargetAvailable(*RoutingSlip) error      { return nil }
func (NopPlugin) OnDataEventFromTargetReceived(*RoutingSlip) error      { return nil }
func (NopPlugin) OnEndOfTargetResponseStreamReached(*RoutingSlip) error { return nil }

// Bus fans lifecycle events out to an ordered list of plugins. Within one
// request, events are delivered to plugins in configuration order; the first
// non-nil error aborts the fan-out and is returned to the caller.
type Bus struct {
	plugins []Plugin
}

// NewBus creates a bus over the given plugins. Order is delivery order.
func NewBus(plugins ...Plugin) *Bus {
	return &Bus{plugins: plugins}
}

// Plugins returns the plugins in delivery order.
func (b *Bus) Plugins() []Plugin {
	return b.plugins
}

func (b *Bus) OnPluginInstantiated() error {
	for _, p := range b.plugins {
		if err := p.OnPluginInstantiated(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnPrintConfiguration(print func(line string)) {
	for _, p := range b.plugins {
		p.OnPrintConfiguration(print)
	}
}

func (b *Bus) OnNewRequestReceived(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnNewRequestReceived(slip); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnClientIdentified(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnClientIdentified(slip); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnHeadersFromTargetReceived(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnHeadersFromTargetReceived(slip); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnBodyDictFromTargetAvailable(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnBodyDictFromTargetAvailable(slip); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnDataEventFromTargetReceived(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnDataEventFromTargetReceived(slip); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) OnEndOfTargetResponseStreamReached(slip *RoutingSlip) error {
	for _, p := range b.plugins {
		if err := p.OnEndOfTargetResponseStreamReached(slip); err != nil {
			return err
		}
	}
	return nil
}
