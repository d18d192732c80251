// Package dispatch owns the agent-invocation boundary: one run at a time
// per session key, with overflow routed into the follow-up queue and
// drained after the active run completes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/followup"
)

// Invoker runs one agent turn for a session and returns the reply text.
type Invoker interface {
	Invoke(ctx context.Context, sessionKey, prompt string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, sessionKey, prompt string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, sessionKey, prompt string) (string, error) {
	return f(ctx, sessionKey, prompt)
}

// Dispatcher serializes agent runs per session key. A message that arrives
// while its session is busy is queued instead of spawning a second run.
type Dispatcher struct {
	store    *followup.Store
	invoker  Invoker
	router   bus.MessageRouter
	settings followup.EnqueueSettings

	// workspace is stamped onto queued runs so the inbox side-write knows
	// where the active agent is working.
	workspace string

	mu     sync.Mutex
	active map[string]string // session key -> run id
}

// New creates a Dispatcher. Settings control queue capacity and dedupe mode
// for the overflow path.
func New(store *followup.Store, invoker Invoker, router bus.MessageRouter, settings followup.EnqueueSettings) *Dispatcher {
	return &Dispatcher{
		store:    store,
		invoker:  invoker,
		router:   router,
		settings: settings,
		active:   make(map[string]string),
	}
}

// SetWorkspace records the agent workspace directory for queued runs.
func (d *Dispatcher) SetWorkspace(dir string) {
	d.workspace = dir
}

// Submit routes one message for a session: start a run when the session is
// idle, queue it when a run is already active. Queued senders that asked for
// delivery get a depth acknowledgement. Replayed handoff items enter here
// too, so they compete and dedupe exactly like live traffic.
func (d *Dispatcher) Submit(ctx context.Context, p followup.SubmitParams) error {
	run := runFromParams(p)
	if d.workspace != "" {
		run.Ctx = &followup.RunContext{WorkspaceDir: d.workspace, SessionKey: p.SessionKey}
	}

	runID, started, accepted := d.activateOrEnqueue(p.SessionKey, run)
	if !started {
		if accepted && p.Deliver {
			depth := d.store.QueueDepth(p.SessionKey)
			d.deliver(p, fmt.Sprintf("Agent is busy, queued your message (%d pending).", depth))
		}
		return nil
	}

	go d.runSession(ctx, runID, p.SessionKey, run)
	return nil
}

// SubmitFunc exposes Submit in the shape the handoff replayer wants.
func (d *Dispatcher) SubmitFunc(ctx context.Context) followup.SubmitFunc {
	return func(p followup.SubmitParams) error {
		return d.Submit(ctx, p)
	}
}

// ReplayHandoff consumes the restart snapshot, if any, and re-submits its
// items through the normal dispatch path.
func (d *Dispatcher) ReplayHandoff(ctx context.Context) {
	data := d.store.LoadAndClearRestartHandoff()
	followup.ReplayHandoffQueues(data, d.SubmitFunc(ctx))
}

// ActiveRuns reports how many sessions currently have a run in flight.
func (d *Dispatcher) ActiveRuns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// activateOrEnqueue decides atomically whether this message starts a run or
// joins the queue behind the active one. Enqueueing under the same lock as
// activation means a message can never land in the queue of a session whose
// drain loop has already decided to exit.
func (d *Dispatcher) activateOrEnqueue(key string, run followup.Run) (runID string, started, accepted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[key]; busy {
		return "", false, d.store.Enqueue(key, run, d.settings)
	}
	id := uuid.NewString()
	d.active[key] = id
	return id, true, false
}

// tryRelease ends the session's run only when the queue is still empty. A
// message admitted after the last Dequeue miss keeps the run active; the
// drain loop goes around again and picks it up.
func (d *Dispatcher) tryRelease(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store.QueueDepth(key) > 0 {
		return false
	}
	d.store.SetDraining(key, false)
	delete(d.active, key)
	return true
}

// release unconditionally ends the run. Shutdown path: leftover queue items
// are the handoff snapshot's problem.
func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store.SetDraining(key, false)
	delete(d.active, key)
}

// runSession executes the triggering run and then drains the queue that
// accumulated behind it. The draining flag stays up for the whole stretch
// so late arrivals keep landing in the workspace inbox.
func (d *Dispatcher) runSession(ctx context.Context, runID, key string, first followup.Run) {
	d.store.SetDraining(key, true)

	d.runOne(ctx, runID, key, first)

	for {
		if ctx.Err() != nil {
			d.release(key)
			return
		}
		next, ok := d.store.Dequeue(key)
		if !ok {
			if d.tryRelease(key) {
				return
			}
			continue
		}
		slog.Info("dispatch: draining queued follow-up", "session", key, "summary", next.Summary())
		d.runOne(ctx, uuid.NewString(), key, next)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, runID, key string, run followup.Run) {
	started := time.Now()
	reply, err := d.invoker.Invoke(ctx, key, run.Prompt)
	if err != nil {
		slog.Error("dispatch: agent run failed",
			"run_id", runID, "session", key, "elapsed", time.Since(started), "error", err)
		reply = fmt.Sprintf("Agent run failed: %v", err)
	} else {
		slog.Info("dispatch: agent run done",
			"run_id", runID, "session", key, "elapsed", time.Since(started))
	}

	if run.OriginTo == "" {
		return
	}
	d.deliver(followup.SubmitParams{
		Channel:   run.OriginChannel,
		To:        run.OriginTo,
		AccountID: run.OriginAccountID,
		ThreadID:  run.OriginThreadID,
	}, reply)
}

func (d *Dispatcher) deliver(p followup.SubmitParams, content string) {
	if p.To == "" || d.router == nil {
		return
	}
	d.router.PublishOutbound(bus.OutboundMessage{
		Channel:   p.Channel,
		ChatID:    p.To,
		Content:   content,
		AccountID: p.AccountID,
		ThreadID:  p.ThreadID,
	})
}

func runFromParams(p followup.SubmitParams) followup.Run {
	return followup.Run{
		Prompt:          p.Message,
		MessageID:       p.MessageID,
		EnqueuedAt:      time.Now(),
		OriginChannel:   p.Channel,
		OriginTo:        p.To,
		OriginAccountID: p.AccountID,
		OriginThreadID:  p.ThreadID,
		SessionKey:      p.SessionKey,
	}
}
