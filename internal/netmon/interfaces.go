package netmon

import (
	"context"
	"net"
	"strings"
	"time"
)

// DefaultPollInterval is how often InterfaceSource inspects the host.
const DefaultPollInterval = 5 * time.Second

// InterfaceSource polls the host's network interfaces and reports a change
// whenever the set of usable interfaces goes from empty to non-empty or back.
type InterfaceSource struct {
	Interval time.Duration

	// list is replaceable in tests.
	list func() ([]net.Interface, error)
}

// NewInterfaceSource returns a source backed by net.Interfaces.
func NewInterfaceSource() *InterfaceSource {
	return &InterfaceSource{Interval: DefaultPollInterval, list: net.Interfaces}
}

// Watch implements Source.
func (s *InterfaceSource) Watch(ctx context.Context, events chan<- Event) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	list := s.list
	if list == nil {
		list = net.Interfaces
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Event

	for {
		ifaces, err := list()
		if err != nil {
			return err
		}

		ev := classify(ifaces)
		if last == nil || *last != ev {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}

			last = &ev
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// classify picks the best link among up, non-loopback interfaces.
func classify(ifaces []net.Interface) Event {
	best := TypeNone

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		t := typeFromName(iface.Name)
		if rankType(t) > rankType(best) {
			best = t
		}
	}

	return Event{Connected: best != TypeNone, Type: best}
}

func typeFromName(name string) Type {
	switch {
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"):
		return TypeWiFi
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return TypeEthernet
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "pdp_ip"):
		return TypeCellular
	default:
		return TypeOther
	}
}

func rankType(t Type) int {
	switch t {
	case TypeEthernet:
		return 4
	case TypeWiFi:
		return 3
	case TypeCellular:
		return 2
	case TypeOther:
		return 1
	default:
		return 0
	}
}
