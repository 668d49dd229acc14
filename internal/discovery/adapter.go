// Package discovery polls mDNS for Chromecast receivers on the LAN and
// emits NEW/UPDATE/REMOVE events per service instance, per spec.md §4.B.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/jnorton/castbridge/internal/strand"
)

const (
	serviceType = "_googlecast._tcp"
	domain      = "local."

	// defaultEntryTTL is used when a resolved entry carries TTL == 0;
	// grandcat/zeroconf re-delivers live entries roughly every lookup
	// interval, so this is deliberately generous.
	defaultEntryTTL = 120 * time.Second

	expirySweepInterval = 15 * time.Second
)

// UpdateHandler receives one discovery event for a ServiceInstance. The
// ServiceInstance pointer is a private copy; callers may retain it freely.
type UpdateHandler func(kind EventKind, instance *ServiceInstance)

// ErrorHandler receives a human-readable description of an adapter failure
// (spec.md §4.B: "Other failures -> error_handler").
type ErrorHandler func(message string)

// resolverState tracks one (name, family) resolver subscription's last
// reported endpoint and expiry, spec.md §3's ResolverKey bookkeeping.
type resolverState struct {
	endpointKey string
	expiresAt   time.Time
}

// Adapter polls mDNS for _googlecast._tcp and maintains the
// ResolverKey/ServiceInstance/endpoint-refcount tables spec.md §3 describes.
// All mutable state below is only ever touched from the adapter's strand.
type Adapter struct {
	logger *slog.Logger
	strand *strand.Strand

	updateHandler UpdateHandler
	errorHandler  ErrorHandler

	cancel context.CancelFunc

	instances     map[string]*ServiceInstance // by Name
	resolvers     map[ResolverKey]*resolverState
	endpointCount map[string]int // Endpoint.key() -> refcount

	stopOnce sync.Once
}

// New constructs an Adapter. Call Start to begin browsing.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:        logger,
		strand:        strand.New(logger),
		instances:     make(map[string]*ServiceInstance),
		resolvers:     make(map[ResolverKey]*resolverState),
		endpointCount: make(map[string]int),
	}
}

// SetUpdateHandler registers the NEW/UPDATE/REMOVE callback. Must be called
// before Start.
func (a *Adapter) SetUpdateHandler(h UpdateHandler) { a.updateHandler = h }

// SetErrorHandler registers the error callback. Must be called before Start.
func (a *Adapter) SetErrorHandler(h ErrorHandler) { a.errorHandler = h }

// Start connects to the mDNS resolver and begins browsing
// _googlecast._tcp.local. Events are delivered on the adapter's strand.
func (a *Adapter) Start(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		a.reportError("creating mdns resolver: %v", err)
		return err
	}

	browseCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := resolver.Browse(browseCtx, serviceType, domain, entries); err != nil {
		cancel()
		a.reportError("starting mdns browse: %v", err)
		return err
	}

	go func() {
		for entry := range entries {
			entry := entry
			a.strand.Post(func() { a.handleEntry(entry) })
		}
	}()

	go a.expiryLoop(browseCtx)

	return nil
}

// Stop tears down all resolvers, then the browser, per spec.md §4.B.
// Idempotent.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.strand.Close()
	})
}

func (a *Adapter) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.strand.Post(func() { a.sweepExpired(now) })
		}
	}
}

func (a *Adapter) sweepExpired(now time.Time) {
	for key, state := range a.resolvers {
		if now.After(state.expiresAt) {
			a.removeResolver(key)
		}
	}
}

// handleEntry implements spec.md §4.B's RESOLVER_FOUND path: look up or
// create the ServiceInstance, compute TXT/endpoint diffs, update the
// per-endpoint refcount, and fire NEW or UPDATE.
func (a *Adapter) handleEntry(entry *zeroconf.ServiceEntry) {
	name := entry.Instance

	endpoint, family, ok := firstEndpoint(entry)
	if !ok {
		a.logger.Warn("discovery entry has no usable address", "name", name)
		return
	}

	key := ResolverKey{Name: name, Family: family}
	txt := parseTXT(entry.Text)
	ttl := time.Duration(entry.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}

	instance, existed := a.instances[name]
	isNewInstance := !existed
	if isNewInstance {
		instance = &ServiceInstance{
			Name:      name,
			Endpoints: make(map[string]Endpoint),
			TXT:       cloneTXT(txt),
		}
		a.instances[name] = instance
	}

	txtChanged := !isNewInstance && !txtEqual(instance.TXT, txt)
	if txtChanged {
		instance.TXT = cloneTXT(txt)
	}

	endpointsChanged := a.updateResolverEndpoint(key, endpoint, instance)

	state, exists := a.resolvers[key]
	if !exists {
		state = &resolverState{}
		a.resolvers[key] = state
	}
	state.endpointKey = endpoint.key()
	state.expiresAt = time.Now().Add(ttl)

	switch {
	case isNewInstance:
		a.emit(EventNew, instance)
	case txtChanged || endpointsChanged:
		a.emit(EventUpdate, instance)
	}
}

// updateResolverEndpoint records key's currently-reported endpoint on
// instance, adjusting endpointCount and instance.Endpoints per spec.md §3's
// invariant: "an endpoint is exposed iff >=1 resolver currently reports it".
// Returns whether instance.Endpoints changed as a result.
func (a *Adapter) updateResolverEndpoint(key ResolverKey, endpoint Endpoint, instance *ServiceInstance) bool {
	changed := false
	newKey := endpoint.key()

	if prev, ok := a.resolvers[key]; ok && prev.endpointKey != "" && prev.endpointKey != newKey {
		a.endpointCount[prev.endpointKey]--
		if a.endpointCount[prev.endpointKey] <= 0 {
			delete(a.endpointCount, prev.endpointKey)
			if _, existed := instance.Endpoints[prev.endpointKey]; existed {
				delete(instance.Endpoints, prev.endpointKey)
				changed = true
			}
		}
	}

	a.endpointCount[newKey]++
	if _, existed := instance.Endpoints[newKey]; !existed {
		instance.Endpoints[newKey] = endpoint
		changed = true
	}

	return changed
}

// removeResolver implements spec.md §4.B's BROWSER_REMOVE / RESOLVER_FAILURE
// path: free the resolver, decrement its endpoint, and emit REMOVE only once
// the instance has no endpoints left.
func (a *Adapter) removeResolver(key ResolverKey) {
	state, ok := a.resolvers[key]
	if !ok {
		return
	}
	delete(a.resolvers, key)

	instance, ok := a.instances[key.Name]
	if !ok {
		return
	}

	if state.endpointKey != "" {
		a.endpointCount[state.endpointKey]--
		if a.endpointCount[state.endpointKey] <= 0 {
			delete(a.endpointCount, state.endpointKey)
			delete(instance.Endpoints, state.endpointKey)
		}
	}

	if len(instance.Endpoints) == 0 {
		delete(a.instances, key.Name)
		a.emit(EventRemove, instance)
	}
}

func (a *Adapter) emit(kind EventKind, instance *ServiceInstance) {
	if a.updateHandler == nil {
		return
	}

	// Emit a private copy so the caller cannot mutate adapter-owned state.
	cp := &ServiceInstance{
		Name:      instance.Name,
		Endpoints: make(map[string]Endpoint, len(instance.Endpoints)),
		TXT:       cloneTXT(instance.TXT),
	}
	for k, v := range instance.Endpoints {
		cp.Endpoints[k] = v
	}

	a.updateHandler(kind, cp)
}

func (a *Adapter) reportError(format string, args ...any) {
	if a.errorHandler == nil {
		return
	}
	a.errorHandler(fmt.Sprintf(format, args...))
}

// firstEndpoint picks one resolved address from entry, preferring IPv4 (the
// common case for LAN Chromecasts) and falling back to IPv6. spec.md §9
// leaves multi-endpoint ordering unspecified; we document this choice here
// rather than guess at Avahi's original per-interface semantics.
func firstEndpoint(entry *zeroconf.ServiceEntry) (Endpoint, AddrFamily, bool) {
	if len(entry.AddrIPv4) > 0 {
		return Endpoint{IP: entry.AddrIPv4[0], Port: entry.Port}, FamilyIPv4, true
	}
	if len(entry.AddrIPv6) > 0 {
		return Endpoint{IP: entry.AddrIPv6[0], Port: entry.Port}, FamilyIPv6, true
	}
	return Endpoint{}, FamilyIPv4, false
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		for i := 0; i < len(rec); i++ {
			if rec[i] == '=' {
				out[rec[:i]] = rec[i+1:]
				break
			}
		}
	}
	return out
}
