package sim

import "fleet-engine/internal/fleet"

// RouteAssigner picks a route for an operational bus that has none
// assigned. The policy is pluggable; real dispatch logic lives outside the
// engine.
type RouteAssigner interface {
	Assign(bus fleet.Bus, routes []fleet.Route) (routeID string, ok bool)
}

// AnyActiveRoute is the default placeholder heuristic: the first active
// route with enough stops to simulate. It encodes no dispatch intelligence.
type AnyActiveRoute struct{}

func (AnyActiveRoute) Assign(_ fleet.Bus, routes []fleet.Route) (string, bool) {
	for _, r := range routes {
		if r.Active && len(r.StopIDs) >= 2 {
			return r.ID, true
		}
	}
	return "", false
}
