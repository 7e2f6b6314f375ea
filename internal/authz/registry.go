package authz

import (
	"sort"
	"strings"
	"sync"
)

// Functional modules a notification can belong to.
const (
	ModuleOrders    = "orders"
	ModuleInventory = "inventory"
	ModuleCustomer  = "customer"
	ModuleAdmin     = "admin"
)

// RoleAdmin bypasses module grants entirely.
const RoleAdmin = "admin"

var (
	registryMu sync.RWMutex
	grants     = map[string]map[string]struct{}{
		"sales": {
			ModuleOrders:   {},
			ModuleCustomer: {},
		},
		"inventory": {
			ModuleInventory: {},
		},
		"support": {
			ModuleCustomer: {},
		},
	}
)

// Grant registers a module as visible to a role. Safe for concurrent use;
// intended for start-up wiring by the embedding application.
func Grant(role, module string) {
	role = normalize(role)
	module = normalize(module)
	if role == "" || module == "" {
		return
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if grants[role] == nil {
		grants[role] = make(map[string]struct{})
	}
	grants[role][module] = struct{}{}
}

// Granted reports whether the role may view the module.
func Granted(role, module string) bool {
	role = normalize(role)
	if role == RoleAdmin {
		return true
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	modules, ok := grants[role]
	if !ok {
		return false
	}
	_, ok = modules[normalize(module)]
	return ok
}

// ModulesFor returns the sorted module grants for a role.
func ModulesFor(role string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	modules := grants[normalize(role)]
	out := make([]string, 0, len(modules))
	for module := range modules {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
