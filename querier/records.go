// Package querier discovers services on the local network.
package querier

import (
	"github.com/joshuafuller/flyweb/internal/records"
)

// ServiceInfo is a fully resolved service: the PTR location, the SRV target
// and port, the A address of that target, and the TXT key/value pairs.
//
// Two ServiceInfo values describe the same service instance when Equal
// reports true. TXT is deliberately left out of that comparison so a
// metadata update is reported as found again rather than lost and found.
type ServiceInfo = records.ServiceInfo

// Listener receives discovery events.
//
// found is true when info was newly resolved or updated, and false when a
// previously reported service went away (a goodbye, or its records now
// resolve to a different instance).
//
// Listeners run on the querier's receive goroutine and must not block; hand
// the event off to a channel if work is needed.
type Listener func(info ServiceInfo, found bool)

// Event is a discovery notification, convenient for channel-based consumers.
type Event struct {
	Info  ServiceInfo
	Found bool
}

// ChannelListener returns a Listener that forwards events to ch without
// blocking. Events are dropped if ch is full.
func ChannelListener(ch chan<- Event) Listener {
	return func(info ServiceInfo, found bool) {
		select {
		case ch <- Event{Info: info, Found: found}:
		default:
		}
	}
}
