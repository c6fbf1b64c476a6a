package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/model"
)

type fakeEnabler struct {
	mu    sync.Mutex
	calls map[model.Server]int
	fn    func(ctx context.Context, server model.Server) error
}

func (f *fakeEnabler) EnableDebugOn(ctx context.Context, server model.Server, service model.ServiceID) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[model.Server]int)
	}
	f.calls[server]++
	f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, server)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnableDebugAllServers(t *testing.T) {
	enabler := &fakeEnabler{}
	a := NewActivator(enabler, time.Second, quietLogger())

	servers := []model.Server{"http://a", "http://b", "http://c"}
	if err := a.EnableDebug(context.Background(), servers, "svc"); err != nil {
		t.Fatalf("EnableDebug: %v", err)
	}
	for _, s := range servers {
		if enabler.calls[s] != 1 {
			t.Errorf("server %s called %d times, want 1", s, enabler.calls[s])
		}
	}
}

func TestEnableDebugNoServers(t *testing.T) {
	a := NewActivator(&fakeEnabler{}, 0, quietLogger())
	if err := a.EnableDebug(context.Background(), nil, "svc"); err != nil {
		t.Fatalf("EnableDebug with no servers: %v", err)
	}
}

func TestEnableDebugIsConcurrent(t *testing.T) {
	const n = 4
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})

	enabler := &fakeEnabler{fn: func(ctx context.Context, server model.Server) error {
		arrived.Done()
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	a := NewActivator(enabler, 0, quietLogger())

	done := make(chan error, 1)
	go func() {
		done <- a.EnableDebug(context.Background(),
			[]model.Server{"http://1", "http://2", "http://3", "http://4"}, "svc")
	}()

	// Every request must be in flight before any of them completes.
	waited := make(chan struct{})
	go func() { arrived.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("requests were not issued concurrently")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("EnableDebug: %v", err)
	}
}

func TestEnableDebugPartialFailure(t *testing.T) {
	boom := errors.New("connection refused")
	enabler := &fakeEnabler{fn: func(ctx context.Context, server model.Server) error {
		if server == "http://b" || server == "http://c" {
			return boom
		}
		return nil
	}}
	a := NewActivator(enabler, time.Second, quietLogger())

	err := a.EnableDebug(context.Background(), []model.Server{"http://a", "http://b", "http://c"}, "svc")
	var partial *PartialActivationError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want PartialActivationError", err)
	}
	if partial.Service != "svc" || partial.Total != 3 {
		t.Errorf("got %+v", partial)
	}
	if !reflect.DeepEqual(partial.FailedServers(), []string{"http://b", "http://c"}) {
		t.Errorf("FailedServers = %v", partial.FailedServers())
	}
	if partial.AllFailed() {
		t.Error("AllFailed = true with one server succeeding")
	}
	if !errors.Is(partial.Failed["http://b"], boom) {
		t.Errorf("Failed[b] = %v", partial.Failed["http://b"])
	}
}

func TestEnableDebugAllFailed(t *testing.T) {
	enabler := &fakeEnabler{fn: func(ctx context.Context, server model.Server) error {
		return errors.New("HTTP 500")
	}}
	a := NewActivator(enabler, time.Second, quietLogger())

	// Duplicated servers are only contacted once.
	err := a.EnableDebug(context.Background(), []model.Server{"http://a", "http://b", "http://a"}, "svc")
	var partial *PartialActivationError
	if !errors.As(err, &partial) || !partial.AllFailed() {
		t.Fatalf("error = %v, want all-failed PartialActivationError", err)
	}
	if enabler.calls["http://a"] != 1 {
		t.Errorf("http://a called %d times, want 1", enabler.calls["http://a"])
	}
}

func TestEnableDebugTimeout(t *testing.T) {
	enabler := &fakeEnabler{fn: func(ctx context.Context, server model.Server) error {
		if server == "http://slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	a := NewActivator(enabler, 20*time.Millisecond, quietLogger())

	err := a.EnableDebug(context.Background(), []model.Server{"http://fast", "http://slow"}, "svc")
	var partial *PartialActivationError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want PartialActivationError", err)
	}
	if !errors.Is(partial.Failed["http://slow"], context.DeadlineExceeded) {
		t.Errorf("Failed[slow] = %v, want deadline exceeded", partial.Failed["http://slow"])
	}
	if _, ok := partial.Failed["http://fast"]; ok {
		t.Error("fast server reported as failed")
	}
}
