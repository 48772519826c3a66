package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ServiceCall carries one invocation of a registered service.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Context Context
}

// ServiceHandler executes a service call.
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// Schema validates and normalizes service call data before dispatch.
// Validate returns the normalized data or an error describing why the
// payload is invalid.
type Schema interface {
	Validate(data map[string]any) (map[string]any, error)
}

type service struct {
	job    *Job
	schema Schema
}

// ServiceRegistry holds registered services keyed by domain and
// service name. The table is loop-owned.
type ServiceRegistry struct {
	loop *Loop
	bus  *EventBus
	log  Logger

	// Loop-owned, keyed by domain then service name.
	services map[string]map[string]*service
}

// NewServiceRegistry creates a registry bound to the loop and bus.
func NewServiceRegistry(loop *Loop, bus *EventBus, log Logger) *ServiceRegistry {
	if log == nil {
		log = noopLogger{}
	}
	return &ServiceRegistry{
		loop:     loop,
		bus:      bus,
		log:      log,
		services: make(map[string]map[string]*service),
	}
}

// Register adds a service handler under domain.name, replacing any
// previous registration, and fires service_registered.
func (r *ServiceRegistry) Register(domain, name string, handler ServiceHandler, schema Schema) error {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	target := func(ctx context.Context, args ...any) error {
		call, _ := args[0].(ServiceCall)
		return handler(ctx, call)
	}
	svc := &service{
		job:    NewTaskJob("service "+domain+"."+name, target),
		schema: schema,
	}

	return r.loop.Run(func() {
		byDomain := r.services[domain]
		if byDomain == nil {
			byDomain = make(map[string]*service)
			r.services[domain] = byDomain
		}
		byDomain[name] = svc

		data := map[string]any{AttrDomain: domain, AttrService: name}
		if _, err := r.bus.Fire(EventServiceRegistered, data); err != nil {
			r.log.Error("failed to fire service_registered",
				"domain", domain, "service", name, "error", err)
		}
	})
}

// Remove drops a registered service and fires service_removed. An
// unknown service is logged and otherwise ignored.
func (r *ServiceRegistry) Remove(domain, name string) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	err := r.loop.Run(func() {
		byDomain := r.services[domain]
		if _, known := byDomain[name]; !known {
			r.log.Warn("attempted to remove unknown service",
				"domain", domain, "service", name)
			return
		}
		delete(byDomain, name)
		if len(byDomain) == 0 {
			delete(r.services, domain)
		}

		data := map[string]any{AttrDomain: domain, AttrService: name}
		if _, err := r.bus.Fire(EventServiceRemoved, data); err != nil {
			r.log.Error("failed to fire service_removed",
				"domain", domain, "service", name, "error", err)
		}
	})
	if err != nil {
		r.log.Debug("service removal after loop close",
			"domain", domain, "service", name)
	}
}

// Has reports whether domain.name is registered.
func (r *ServiceRegistry) Has(domain, name string) bool {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)
	found := false
	if err := r.loop.Run(func() {
		_, found = r.services[domain][name]
	}); err != nil {
		return false
	}
	return found
}

// Services lists registered service names per domain, sorted.
func (r *ServiceRegistry) Services() map[string][]string {
	out := make(map[string][]string)
	err := r.loop.Run(func() {
		for domain, byDomain := range r.services {
			names := make([]string, 0, len(byDomain))
			for name := range byDomain {
				names = append(names, name)
			}
			sort.Strings(names)
			out[domain] = names
		}
	})
	if err != nil {
		return nil
	}
	return out
}

// CallOption adjusts service dispatch.
type CallOption func(*callOptions)

type callOptions struct {
	ctx     Context
	timeout time.Duration
}

// WithCallContext attaches an existing context chain to the call.
func WithCallContext(c Context) CallOption {
	return func(o *callOptions) { o.ctx = c }
}

// WithCallTimeout overrides the blocking wait limit.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call dispatches a service. The call_service event fires before the
// handler runs. With blocking set, Call waits up to the call timeout
// for the handler; a handler that outlives the timeout keeps running
// and Call returns (false, nil). Non-blocking calls return immediately
// and handler failures are logged in the background.
//
// The returned bool reports whether the handler completed within the
// wait, matching the blocking contract; it is always false for
// non-blocking calls.
func (r *ServiceRegistry) Call(ctx context.Context, domain, name string, data map[string]any, blocking bool, opts ...CallOption) (bool, error) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	o := callOptions{timeout: ServiceCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ctx.IsZero() {
		o.ctx = NewContext()
	}

	var svc *service
	if err := r.loop.Run(func() {
		svc = r.services[domain][name]
	}); err != nil {
		return false, err
	}
	if svc == nil {
		return false, &ServiceNotFoundError{Domain: domain, Service: name}
	}

	if svc.schema != nil {
		normalized, err := svc.schema.Validate(data)
		if err != nil {
			return false, &ServiceValidationError{Domain: domain, Service: name, Err: err}
		}
		data = normalized
	}

	eventData := map[string]any{
		AttrDomain:      domain,
		AttrService:     name,
		AttrServiceData: data,
	}
	if _, err := r.bus.Fire(EventCallService, eventData, WithFireContext(o.ctx)); err != nil {
		return false, err
	}

	call := ServiceCall{Domain: domain, Service: name, Data: data, Context: o.ctx}
	task, err := r.loop.RunJob(ctx, svc.job, call)
	if err != nil {
		return false, err
	}

	if !blocking {
		go r.logBackgroundResult(call, task)
		return false, nil
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case <-task.Done():
		return true, task.Err()
	case <-timer.C:
		// The handler keeps running; its outcome is reported from the
		// background instead of to this caller.
		r.log.Warn("service call did not complete in time",
			"domain", domain, "service", name,
			"timeout", o.timeout.String())
		go r.logBackgroundResult(call, task)
		return false, nil
	case <-ctx.Done():
		go r.logBackgroundResult(call, task)
		return false, ctx.Err()
	}
}

func (r *ServiceRegistry) logBackgroundResult(call ServiceCall, task *Task) {
	<-task.Done()
	err := task.Err()
	if err == nil {
		return
	}
	var unauthorized *UnauthorizedError
	switch {
	case errors.As(err, &unauthorized):
		r.log.Warn("unauthorized service call",
			"domain", call.Domain, "service", call.Service,
			"action", unauthorized.Action)
	case errors.Is(err, context.Canceled):
		r.log.Debug("service call cancelled",
			"domain", call.Domain, "service", call.Service)
	default:
		r.log.Error("service call failed",
			"domain", call.Domain, "service", call.Service,
			"error", err)
	}
}
