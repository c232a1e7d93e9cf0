package propagate

import (
	"strings"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// OnWrite matches creations, updates and deletions.
var OnWrite = []changelog.Kind{changelog.KindCreate, changelog.KindUpdate, changelog.KindDelete}

// Route binds a collection pattern such as "vendors/{vendorId}/orders/{orderId}" and a set
// of change kinds to a handler.
type Route struct {
	Name    string
	Pattern string
	Kinds   []changelog.Kind
	Handler HandlerFunc

	segs []string
}

// Match is a route selected for a change, with its extracted path parameters.
type Match struct {
	Route  *Route
	Params map[string]string
}

// Router is the dispatch table from collection pattern to handler.
type Router struct {
	routes []*Route
}

// NewRouter returns an empty router. DefaultRouter registers the fabric's rules.
func NewRouter() *Router { return &Router{} }

// Handle registers h under name for changes of the given kinds whose path matches pattern.
// Segments in braces bind path parameters; a route with no kinds never matches.
func (rt *Router) Handle(name, pattern string, h HandlerFunc, kinds ...changelog.Kind) {
	rt.routes = append(rt.routes, &Route{
		Name:    name,
		Pattern: pattern,
		Kinds:   kinds,
		Handler: h,
		segs:    strings.Split(pattern, "/"),
	})
}

// Routes returns the registered routes in registration order.
func (rt *Router) Routes() []*Route { return rt.routes }

// Match returns every route whose pattern and kinds accept c, in registration order.
func (rt *Router) Match(c changelog.Change) []Match {
	var out []Match
	for _, r := range rt.routes {
		if !hasKind(r.Kinds, c.Op) {
			continue
		}
		if params, ok := matchSegments(r.segs, c.Path); ok {
			out = append(out, Match{Route: r, Params: params})
		}
	}
	return out
}

func hasKind(kinds []changelog.Kind, k changelog.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func matchSegments(segs []string, path string) (map[string]string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != len(segs) {
		return nil, false
	}
	params := make(map[string]string)
	for i, s := range segs {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			if parts[i] == "" {
				return nil, false
			}
			params[s[1:len(s)-1]] = parts[i]
			continue
		}
		if s != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// Collection patterns the fabric listens on.
var (
	PatternVendorOrder  = model.Path(model.CollectionVendors, "{vendorId}", model.CollectionOrders, "{orderId}")
	PatternInventory    = model.Path(model.CollectionVendors, "{vendorId}", model.CollectionInventory, "{productId}")
	PatternInstantOrder = model.Path(model.CollectionUsers, "{userId}", model.CollectionOrders, "{orderId}")
	PatternRecurring    = model.Path(model.CollectionRecurring, "{recurringId}")
	PatternOpsAggregate = model.Path(model.CollectionOps, "{opsId}")
)

// DefaultRouter wires every synchronization rule.
func DefaultRouter() *Router {
	rt := NewRouter()
	rt.Handle("vendor_order_mirror", PatternVendorOrder, VendorOrderMirror, OnWrite...)
	rt.Handle("inventory_threshold", PatternInventory, InventoryThreshold, changelog.KindUpdate)
	rt.Handle("instant_to_ops", PatternInstantOrder, InstantToOps, changelog.KindCreate)
	rt.Handle("instant_status_to_ops", PatternInstantOrder, InstantStatusToOps, changelog.KindUpdate)
	rt.Handle("recurring_to_ops", PatternRecurring, RecurringToOps, changelog.KindCreate)
	rt.Handle("recurring_status_to_ops", PatternRecurring, RecurringStatusToOps, changelog.KindUpdate)
	rt.Handle("ops_status_to_origin", PatternOpsAggregate, OpsStatusToOrigin, changelog.KindUpdate)
	return rt
}
