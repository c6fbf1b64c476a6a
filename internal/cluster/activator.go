package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

// DebugEnabler turns on trace instrumentation for one service on one server.
type DebugEnabler interface {
	EnableDebugOn(ctx context.Context, server model.Server, service model.ServiceID) error
}

// PartialActivationError reports the servers on which debug could not be
// enabled for a service.
type PartialActivationError struct {
	Service model.ServiceID
	Failed  map[model.Server]error
	Total   int
}

func (e *PartialActivationError) Error() string {
	return fmt.Sprintf("cluster: debug enable for %s failed on %d of %d servers: %s",
		e.Service, len(e.Failed), e.Total, strings.Join(e.FailedServers(), ", "))
}

// FailedServers returns the failed servers in sorted order.
func (e *PartialActivationError) FailedServers() []string {
	servers := make([]string, 0, len(e.Failed))
	for s := range e.Failed {
		servers = append(servers, string(s))
	}
	sort.Strings(servers)
	return servers
}

// AllFailed reports whether no server accepted the request.
func (e *PartialActivationError) AllFailed() bool {
	return len(e.Failed) == e.Total
}

// Activator enables debug on every server of a sandbox.
type Activator struct {
	enabler DebugEnabler
	// timeout bounds each per-server request. Zero means no extra bound.
	timeout time.Duration
	logger  *slog.Logger
}

// NewActivator creates an Activator.
func NewActivator(enabler DebugEnabler, timeout time.Duration, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		enabler: enabler,
		timeout: timeout,
		logger:  logger,
	}
}

// EnableDebug issues one request per server concurrently and waits for all of
// them. It returns nil when every server accepted, otherwise a
// *PartialActivationError naming the servers that did not.
func (a *Activator) EnableDebug(ctx context.Context, servers []model.Server, service model.ServiceID) error {
	servers = dedupe(servers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	failed := make(map[model.Server]error)

	for _, server := range servers {
		wg.Add(1)
		go func(server model.Server) {
			defer wg.Done()

			callCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}

			if err := a.enabler.EnableDebugOn(callCtx, server, service); err != nil {
				a.logger.Warn("debug enable failed",
					"service_id", service,
					"server", server,
					"error", err,
				)
				mu.Lock()
				failed[server] = err
				mu.Unlock()
			}
		}(server)
	}

	wg.Wait()

	if len(failed) > 0 {
		return &PartialActivationError{
			Service: service,
			Failed:  failed,
			Total:   len(servers),
		}
	}
	a.logger.Debug("debug enabled", "service_id", service, "servers", len(servers))
	return nil
}

func dedupe(servers []model.Server) []model.Server {
	seen := make(map[model.Server]bool, len(servers))
	out := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
