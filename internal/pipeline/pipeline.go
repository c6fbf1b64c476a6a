// Package pipeline wires discovery, debug activation and trace collection
// together and drives them through startup.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/cluster"
	"github.com/zetapush/zetapush-log-server/internal/collector"
	"github.com/zetapush/zetapush-log-server/internal/model"
	"github.com/zetapush/zetapush-log-server/internal/registry"
)

// State is the lifecycle state of a Pipeline.
type State string

const (
	StateInit               State = "init"
	StateAuthenticated      State = "authenticated"
	StateConnected          State = "connected"
	StateServicesDiscovered State = "services_discovered"
	StateRunning            State = "running"
	StateFailed             State = "failed"
	StateStopped            State = "stopped"
)

const defaultRequestTimeout = 5 * time.Second

// ErrStopped is returned for services onboarded after Stop.
var ErrStopped = errors.New("pipeline: stopped")

// ErrConnectionClosed is the failure cause once the realtime connection has
// ended for good.
var ErrConnectionClosed = errors.New("pipeline: realtime connection closed")

// Platform is the sandbox administration API.
type Platform interface {
	Authenticate(ctx context.Context) error
	ListServices(ctx context.Context) ([]model.ServiceID, error)
	Servers(ctx context.Context) ([]model.Server, error)
}

// Activator enables debug for a service on a set of servers.
type Activator interface {
	EnableDebug(ctx context.Context, servers []model.Server, service model.ServiceID) error
}

// Connector opens the realtime connection.
type Connector interface {
	Connect(ctx context.Context) error
}

// closer is implemented by connectors that can end on their own. Done is
// closed when the connection will not be re-established.
type closer interface {
	Done() <-chan struct{}
}

// Subscription is a live trace subscription.
type Subscription interface {
	Cancel()
}

// Subscriber opens the trace subscription of a service.
type Subscriber interface {
	Subscribe(ctx context.Context, service model.ServiceID) (Subscription, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, service model.ServiceID) (Subscription, error)

func (f SubscriberFunc) Subscribe(ctx context.Context, service model.ServiceID) (Subscription, error) {
	return f(ctx, service)
}

// FromCollector returns a Subscriber backed by c.
func FromCollector(c *collector.Collector) Subscriber {
	return SubscriberFunc(func(ctx context.Context, service model.ServiceID) (Subscription, error) {
		h, err := c.Subscribe(ctx, service)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// ServiceResult is the onboarding outcome of one service.
type ServiceResult struct {
	Service       model.ServiceID `json:"service_id"`
	Subscribed    bool            `json:"subscribed"`
	FailedServers []string        `json:"failed_servers,omitempty"`
	Err           error           `json:"-"`
}

// MarshalJSON adds Err as an "error" string.
func (r ServiceResult) MarshalJSON() ([]byte, error) {
	type result ServiceResult
	out := struct {
		result
		Error string `json:"error,omitempty"`
	}{result: result(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Report summarizes startup.
type Report struct {
	StartedAt time.Time       `json:"started_at"`
	Servers   []model.Server  `json:"servers"`
	Services  []ServiceResult `json:"services"`
}

// Subscribed returns the number of services with a live subscription.
func (r *Report) Subscribed() int {
	n := 0
	for _, res := range r.Services {
		if res.Subscribed {
			n++
		}
	}
	return n
}

// Failed returns the results with an error.
func (r *Report) Failed() []ServiceResult {
	var out []ServiceResult
	for _, res := range r.Services {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Config holds configuration for creating a Pipeline.
type Config struct {
	Platform   Platform
	Activator  Activator
	Connector  Connector
	Subscriber Subscriber
	// Registry, if set, tracks the state of every service.
	Registry *registry.Store
	// RequestTimeout bounds each platform call. Default 5s.
	RequestTimeout time.Duration
	// DiscoveryInterval enables periodic re-discovery in Run. Zero disables.
	DiscoveryInterval time.Duration
	Logger            *slog.Logger
}

// Pipeline runs Init → Authenticated → Connected → ServicesDiscovered →
// Running, then keeps the subscriptions until Stop.
type Pipeline struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	report    *Report
	onboarded map[model.ServiceID]bool
	handles   map[model.ServiceID]Subscription
	stopped   bool
}

// New validates the configuration and creates a Pipeline.
func New(config Config) (*Pipeline, error) {
	switch {
	case config.Platform == nil:
		return nil, errors.New("pipeline: Platform is required")
	case config.Activator == nil:
		return nil, errors.New("pipeline: Activator is required")
	case config.Connector == nil:
		return nil, errors.New("pipeline: Connector is required")
	case config.Subscriber == nil:
		return nil, errors.New("pipeline: Subscriber is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:    config,
		logger:    logger,
		state:     StateInit,
		onboarded: make(map[model.ServiceID]bool),
		handles:   make(map[model.ServiceID]Subscription),
	}, nil
}

// State returns the current state and, in StateFailed, the cause.
func (p *Pipeline) State() (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.err
}

// Report returns the startup report, or nil before Start completes.
func (p *Pipeline) Report() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report == nil {
		return nil
	}
	r := *p.report
	r.Services = append([]ServiceResult(nil), p.report.Services...)
	return &r
}

// Start authenticates, connects, discovers services and onboards each one
// concurrently. It returns once every service is either subscribed or
// failed. An error is returned only for failures before onboarding; a
// failed service never affects the others.
func (p *Pipeline) Start(ctx context.Context) (*Report, error) {
	startedAt := time.Now()

	err := p.call(ctx, func(ctx context.Context) error { return p.config.Platform.Authenticate(ctx) })
	if err != nil {
		return nil, p.fail(fmt.Errorf("pipeline: authenticate: %w", err))
	}
	p.setState(StateAuthenticated)

	if err := p.config.Connector.Connect(ctx); err != nil {
		return nil, p.fail(fmt.Errorf("pipeline: connect: %w", err))
	}
	p.setState(StateConnected)

	services, servers, err := p.discover(ctx)
	if err != nil {
		return nil, p.fail(err)
	}
	p.setState(StateServicesDiscovered)
	p.logger.Info("services discovered", "services", len(services), "servers", len(servers))

	results := p.onboard(ctx, services, servers)
	report := &Report{StartedAt: startedAt, Servers: servers, Services: results}

	p.mu.Lock()
	p.report = report
	if !p.stopped {
		p.state = StateRunning
	}
	p.mu.Unlock()

	p.logger.Info("pipeline running",
		"subscribed", report.Subscribed(),
		"failed", len(report.Failed()),
	)
	return p.Report(), nil
}

// Run starts the pipeline, re-discovers services every DiscoveryInterval if
// set, and stops when ctx is done. If the connector ends the connection for
// good, the pipeline fails with ErrConnectionClosed.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	var closed <-chan struct{}
	if c, ok := p.config.Connector.(closer); ok {
		closed = c.Done()
	}
	var tick <-chan time.Time
	if p.config.DiscoveryInterval > 0 {
		ticker := time.NewTicker(p.config.DiscoveryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			if ctx.Err() != nil {
				return nil
			}
			return p.fail(ErrConnectionClosed)
		case <-tick:
			results, err := p.Rediscover(ctx)
			if err != nil {
				p.logger.Warn("re-discovery failed", "error", err)
				continue
			}
			if len(results) > 0 {
				p.logger.Info("onboarded new services", "count", len(results))
			}
		}
	}
}

// Rediscover lists services again and onboards the ones not seen before.
func (p *Pipeline) Rediscover(ctx context.Context) ([]ServiceResult, error) {
	services, servers, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	results := p.onboard(ctx, services, servers)

	p.mu.Lock()
	if p.report != nil {
		p.report.Services = mergeResults(p.report.Services, results)
		p.report.Servers = servers
	}
	p.mu.Unlock()
	return results, nil
}

// mergeResults replaces the earlier result of a retried service and appends
// the others.
func mergeResults(prev, next []ServiceResult) []ServiceResult {
	index := make(map[model.ServiceID]int, len(prev))
	for i, res := range prev {
		index[res.Service] = i
	}
	for _, res := range next {
		if i, ok := index[res.Service]; ok {
			prev[i] = res
			continue
		}
		index[res.Service] = len(prev)
		prev = append(prev, res)
	}
	return prev
}

// Stop cancels every subscription. The trace log stays readable. Safe to
// call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.state != StateFailed {
		p.state = StateStopped
	}
	handles := p.handles
	p.handles = make(map[model.ServiceID]Subscription)
	p.mu.Unlock()

	for id, h := range handles {
		h.Cancel()
		p.setServiceState(id, registry.StateCancelled)
	}
	p.logger.Info("pipeline stopped", "cancelled", len(handles))
}

// discover lists the services then the servers. Either failure is fatal to
// the stage.
func (p *Pipeline) discover(ctx context.Context) ([]model.ServiceID, []model.Server, error) {
	var services []model.ServiceID
	err := p.call(ctx, func(ctx context.Context) (err error) {
		services, err = p.config.Platform.ListServices(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: list services: %w", err)
	}

	var servers []model.Server
	err = p.call(ctx, func(ctx context.Context) (err error) {
		servers, err = p.config.Platform.Servers(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: get servers: %w", err)
	}
	return services, servers, nil
}

// onboard activates and subscribes every service not onboarded yet, one
// goroutine per service. Results are in the order of services. A service
// that fails is retried by the next discovery.
func (p *Pipeline) onboard(ctx context.Context, services []model.ServiceID, servers []model.Server) []ServiceResult {
	var fresh []model.ServiceID
	p.mu.Lock()
	for _, id := range services {
		if p.onboarded[id] {
			continue
		}
		p.onboarded[id] = true
		fresh = append(fresh, id)
	}
	p.mu.Unlock()

	results := make([]ServiceResult, len(fresh))
	var wg sync.WaitGroup
	for i, id := range fresh {
		if p.config.Registry != nil {
			p.config.Registry.Discover(string(id))
		}
		wg.Add(1)
		go func(i int, id model.ServiceID) {
			defer wg.Done()
			results[i] = p.onboardService(ctx, id, servers)
		}(i, id)
	}
	wg.Wait()

	p.mu.Lock()
	for _, res := range results {
		if res.Err != nil {
			delete(p.onboarded, res.Service)
		}
	}
	p.mu.Unlock()
	return results
}

func (p *Pipeline) onboardService(ctx context.Context, id model.ServiceID, servers []model.Server) (res ServiceResult) {
	res.Service = id
	logger := p.logger.With("service_id", id)
	defer func() {
		if r := recover(); r != nil {
			res.Subscribed = false
			res.Err = fmt.Errorf("pipeline: onboarding %s panicked: %v", id, r)
		}
		if res.Err != nil {
			logger.Error("service onboarding failed", "error", res.Err)
			if p.config.Registry != nil {
				p.config.Registry.SetFailed(string(id), res.Err)
			}
		}
	}()

	p.setServiceState(id, registry.StateActivating)
	err := p.config.Activator.EnableDebug(ctx, servers, id)
	var partial *cluster.PartialActivationError
	switch {
	case err == nil:
		p.setServiceState(id, registry.StateDebugEnabled)
	case errors.As(err, &partial) && !partial.AllFailed():
		res.FailedServers = partial.FailedServers()
		logger.Warn("debug enabled on some servers only", "failed_servers", res.FailedServers)
		if p.config.Registry != nil {
			p.config.Registry.SetPartial(string(id), res.FailedServers)
		}
	default:
		if partial != nil {
			res.FailedServers = partial.FailedServers()
		}
		res.Err = err
		return res
	}

	subCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	h, err := p.config.Subscriber.Subscribe(subCtx, id)
	if err != nil {
		res.Err = err
		return res
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		h.Cancel()
		res.Err = ErrStopped
		return res
	}
	p.handles[id] = h
	p.mu.Unlock()

	p.setServiceState(id, registry.StateSubscribed)
	res.Subscribed = true
	return res
}

func (p *Pipeline) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.state = s
	}
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	p.state = StateFailed
	p.err = err
	p.mu.Unlock()
	p.logger.Error("pipeline failed", "error", err)
	return err
}

func (p *Pipeline) setServiceState(id model.ServiceID, s registry.State) {
	if p.config.Registry != nil {
		p.config.Registry.SetState(string(id), s)
	}
}
