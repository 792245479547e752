package script

import (
	"context"
	"time"
)

// commandFunc is the registry-level wrapper every outbound call goes through.
type commandFunc func(ctx context.Context, unit, domain, service string, data map[string]any)

// capabilities binds the Capabilities surface to one container.
type capabilities struct {
	c *Container
}

var _ Capabilities = capabilities{}

func (k capabilities) CallExternalService(ctx context.Context, domain, service string, data map[string]any) {
	if k.c.deps.call == nil {
		return
	}
	k.c.deps.call(ctx, k.c.name, domain, service, data)
}

func (k capabilities) Interval(cb ScheduledFunc, period time.Duration) {
	k.c.sched.StartInterval(cb, period)
}

func (k capabilities) ClearInterval() {
	k.c.sched.EndInterval()
}

func (k capabilities) Schedule(expr string, cb ScheduledFunc) {
	k.c.sched.StartSchedule(expr, cb)
}

func (k capabilities) ClearSchedule() {
	k.c.sched.EndSchedule()
}

func (k capabilities) Log(msg string) {
	if !k.c.deps.logOutput {
		return
	}
	k.c.deps.logger.Info(msg, "unit", k.c.name, "source", "script")
}
