// Package collector subscribes to the trace channel of each service and
// appends every well-formed trace to the shared trace log.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastjson"
	"github.com/zetapush/zetapush-log-server/internal/engine"
	"github.com/zetapush/zetapush-log-server/internal/model"
	"github.com/zetapush/zetapush-log-server/internal/realtime"
)

// Transport is the realtime connection traces arrive on.
type Transport interface {
	Subscribe(ctx context.Context, channel string, handler realtime.Handler) (unsubscribe func(), err error)
}

// Sink receives decoded traces.
type Sink interface {
	Append(ev model.TraceEvent) engine.Snapshot
}

// Recorder is notified of per-service trace activity. Optional.
type Recorder interface {
	RecordTrace(serviceID string, at time.Time)
	RecordMalformed(serviceID string)
}

// Config holds configuration for creating a Collector.
type Config struct {
	SandboxID string
	Transport Transport
	Sink      Sink
	Stats     *engine.Stats
	Recorder  Recorder
	// Now stamps received traces. Default time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Collector opens trace subscriptions. All of them feed the same Sink.
type Collector struct {
	sandboxID string
	transport Transport
	sink      Sink
	stats     *engine.Stats
	recorder  Recorder
	now       func() time.Time
	logger    *slog.Logger
	parsers   fastjson.ParserPool
}

// New validates the configuration and creates a Collector.
func New(config Config) (*Collector, error) {
	if config.SandboxID == "" {
		return nil, errors.New("collector: SandboxID is required")
	}
	if config.Transport == nil {
		return nil, errors.New("collector: Transport is required")
	}
	if config.Sink == nil {
		return nil, errors.New("collector: Sink is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Collector{
		sandboxID: config.SandboxID,
		transport: config.Transport,
		sink:      config.Sink,
		stats:     config.Stats,
		recorder:  config.Recorder,
		now:       config.Now,
		logger:    config.Logger,
	}, nil
}

// Channel returns the trace channel of a service.
func (c *Collector) Channel(id model.ServiceID) string {
	return "/service/" + c.sandboxID + "/" + string(id) + "/trace"
}

// Subscribe starts collecting the traces of one service until the returned
// handle is cancelled.
func (c *Collector) Subscribe(ctx context.Context, id model.ServiceID) (*Handle, error) {
	h := &Handle{service: id}
	channel := c.Channel(id)
	unsubscribe, err := c.transport.Subscribe(ctx, channel, func(data json.RawMessage) {
		c.receive(h, data)
	})
	if err != nil {
		return nil, fmt.Errorf("collector: subscribing to %s: %w", channel, err)
	}
	h.unsubscribe = unsubscribe
	c.logger.Info("collecting traces", "service_id", id, "channel", channel)
	return h, nil
}

func (c *Collector) receive(h *Handle, data json.RawMessage) {
	if h.cancelled.Load() {
		return
	}
	payload, loc, err := c.decode(data)
	if err != nil {
		h.malformed.Add(1)
		if c.stats != nil {
			c.stats.RecordMalformed()
		}
		if c.recorder != nil {
			c.recorder.RecordMalformed(string(h.service))
		}
		c.logger.Warn("dropping malformed trace", "service_id", h.service, "error", err)
		return
	}

	at := c.now()
	c.sink.Append(model.NewTraceEvent(h.service, payload, loc, at))
	h.received.Add(1)
	if c.recorder != nil {
		c.recorder.RecordTrace(string(h.service), at)
	}
}

// decode splits a trace object into its fields and parsed location.
func (c *Collector) decode(data []byte) (map[string]json.RawMessage, model.TraceLocation, error) {
	p := c.parsers.Get()
	defer c.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, model.TraceLocation{}, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, model.TraceLocation{}, fmt.Errorf("trace is not an object: %w", err)
	}

	locValue := obj.Get(model.KeyLocation)
	if locValue == nil {
		return nil, model.TraceLocation{}, &model.MalformedTraceError{}
	}
	rawLoc, err := locValue.StringBytes()
	if err != nil {
		return nil, model.TraceLocation{}, &model.MalformedTraceError{Location: string(locValue.MarshalTo(nil))}
	}
	loc, err := model.ParseLocation(string(rawLoc))
	if err != nil {
		return nil, model.TraceLocation{}, err
	}

	payload := make(map[string]json.RawMessage, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		// MarshalTo(nil) copies; p is reused after Put.
		payload[string(key)] = json.RawMessage(val.MarshalTo(nil))
	})
	return payload, loc, nil
}

// Handle is one live trace subscription.
type Handle struct {
	service     model.ServiceID
	unsubscribe func()
	once        sync.Once
	cancelled   atomic.Bool
	received    atomic.Int64
	malformed   atomic.Int64
}

// Service returns the subscribed service.
func (h *Handle) Service() model.ServiceID { return h.service }

// Received returns the number of traces appended.
func (h *Handle) Received() int64 { return h.received.Load() }

// Malformed returns the number of traces dropped.
func (h *Handle) Malformed() int64 { return h.malformed.Load() }

// Cancel stops the subscription. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
	})
}
