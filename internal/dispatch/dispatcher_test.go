package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/followup"
)

// blockingInvoker records prompts and holds each run until released.
type blockingInvoker struct {
	mu      sync.Mutex
	prompts []string
	release chan struct{}
	started chan string
}

func newBlockingInvoker() *blockingInvoker {
	return &blockingInvoker{
		release: make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (b *blockingInvoker) Invoke(ctx context.Context, sessionKey, prompt string) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, prompt)
	b.mu.Unlock()
	b.started <- prompt
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "re: " + prompt, nil
}

func (b *blockingInvoker) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func params(sessionKey, msg, msgID string) followup.SubmitParams {
	return followup.SubmitParams{
		SessionKey: sessionKey,
		Message:    msg,
		MessageID:  msgID,
		Deliver:    true,
		Channel:    "telegram",
		To:         "555",
	}
}

func TestSubmit_IdleSessionRunsImmediately(t *testing.T) {
	ctx := context.Background()
	mb := bus.New()
	inv := newBlockingInvoker()
	d := New(followup.NewStore(t.TempDir()), inv, mb, followup.EnqueueSettings{})

	if err := d.Submit(ctx, params("s1", "hello", "m1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-inv.started
	close(inv.release)

	out, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("expected a reply on the bus")
	}
	if out.Content != "re: hello" || out.ChatID != "555" {
		t.Errorf("unexpected outbound %+v", out)
	}
	waitFor(t, func() bool { return d.ActiveRuns() == 0 }, "run should deactivate")
}

func TestSubmit_BusySessionQueuesWithAck(t *testing.T) {
	ctx := context.Background()
	mb := bus.New()
	inv := newBlockingInvoker()
	store := followup.NewStore(t.TempDir())
	d := New(store, inv, mb, followup.EnqueueSettings{})

	if err := d.Submit(ctx, params("s1", "first", "m1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-inv.started

	if err := d.Submit(ctx, params("s1", "second", "m2")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ack, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("expected a queue acknowledgement")
	}
	if !strings.Contains(ack.Content, "1 pending") {
		t.Errorf("ack = %q, want pending depth", ack.Content)
	}
	if depth := store.QueueDepth("s1"); depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	close(inv.release)

	// The queued item drains after the first run and produces its own reply.
	var replies []string
	for len(replies) < 2 {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		out, ok := mb.SubscribeOutbound(rctx)
		cancel()
		if !ok {
			t.Fatalf("got replies %v, want 2", replies)
		}
		replies = append(replies, out.Content)
	}
	if replies[0] != "re: first" || replies[1] != "re: second" {
		t.Errorf("replies = %v, want FIFO order", replies)
	}
	waitFor(t, func() bool { return store.QueueDepth("s1") == 0 }, "queue should drain")
}

func TestSubmit_BusyWritesWorkspaceInbox(t *testing.T) {
	ctx := context.Background()
	inv := newBlockingInvoker()
	workspace := t.TempDir()
	d := New(followup.NewStore(t.TempDir()), inv, bus.New(), followup.EnqueueSettings{})
	d.SetWorkspace(workspace)

	if err := d.Submit(ctx, params("s1", "first", "m1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-inv.started

	if err := d.Submit(ctx, params("s1", "late follow-up", "m2")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	inboxPath := filepath.Join(workspace, followup.InboxFileName)
	waitFor(t, func() bool {
		raw, err := os.ReadFile(inboxPath)
		return err == nil && strings.Contains(string(raw), "late follow-up")
	}, "follow-up should land in the workspace inbox while a run is active")

	close(inv.release)
}

func TestSubmit_BusyDuplicateSilentlyDropped(t *testing.T) {
	ctx := context.Background()
	mb := bus.New()
	inv := newBlockingInvoker()
	store := followup.NewStore(t.TempDir())
	d := New(store, inv, mb, followup.EnqueueSettings{})

	if err := d.Submit(ctx, params("s1", "first", "m1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-inv.started

	d.Submit(ctx, params("s1", "retry", "m2"))
	d.Submit(ctx, params("s1", "retry", "m2")) // platform redelivery

	if depth := store.QueueDepth("s1"); depth != 1 {
		t.Errorf("depth = %d, want duplicate rejected", depth)
	}
	// Exactly one ack: the rejected duplicate stays silent.
	ack, _ := mb.SubscribeOutbound(ctx)
	if !strings.Contains(ack.Content, "pending") {
		t.Errorf("ack = %q", ack.Content)
	}
	qctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if extra, ok := mb.SubscribeOutbound(qctx); ok {
		t.Errorf("unexpected second ack %q", extra.Content)
	}
	close(inv.release)
}

func TestSubmit_LateArrivalDuringDrainExitIsNotStranded(t *testing.T) {
	ctx := context.Background()
	store := followup.NewStore(t.TempDir())
	var invoked atomic.Int64
	inv := InvokerFunc(func(ctx context.Context, sessionKey, prompt string) (string, error) {
		invoked.Add(1)
		return "ok", nil
	})
	d := New(store, inv, bus.New(), followup.EnqueueSettings{Mode: followup.DedupeNone})

	// Hammer a second submit against the first run's wind-down. A submit
	// that saw the session busy must leave an item the drain loop is still
	// bound to consume; it must never sit in the queue of a dead run.
	for i := 0; i < 200; i++ {
		want := int64(2 * (i + 1))
		d.Submit(ctx, params("s1", fmt.Sprintf("first-%d", i), ""))
		d.Submit(ctx, params("s1", fmt.Sprintf("second-%d", i), ""))
		waitFor(t, func() bool { return invoked.Load() == want && d.ActiveRuns() == 0 },
			fmt.Sprintf("iteration %d: queued message stalled with no active run", i))
		if depth := store.QueueDepth("s1"); depth != 0 {
			t.Fatalf("iteration %d: %d stranded follow-ups with no active run", i, depth)
		}
	}
}

func TestSubmit_IndependentSessionsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	inv := newBlockingInvoker()
	d := New(followup.NewStore(t.TempDir()), inv, bus.New(), followup.EnqueueSettings{})

	d.Submit(ctx, params("s1", "a", "m1"))
	d.Submit(ctx, params("s2", "b", "m2"))

	<-inv.started
	<-inv.started
	if n := d.ActiveRuns(); n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
	close(inv.release)
}

func TestReplayHandoff_ResubmitsThroughDispatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// A previous process left queued work behind.
	old := followup.NewStore(dir)
	old.Enqueue("s1", followup.Run{
		Prompt:        "leftover",
		MessageID:     "m9",
		OriginChannel: "telegram",
		OriginTo:      "555",
		SessionKey:    "s1",
	}, followup.EnqueueSettings{})
	old.SaveRestartHandoff()

	mb := bus.New()
	inv := newBlockingInvoker()
	close(inv.release)
	d := New(followup.NewStore(dir), inv, mb, followup.EnqueueSettings{})

	d.ReplayHandoff(ctx)

	waitFor(t, func() bool {
		for _, p := range inv.seen() {
			if p == "leftover" {
				return true
			}
		}
		return false
	}, "replayed item should reach the invoker")

	out, ok := mb.SubscribeOutbound(ctx)
	if !ok || out.Content != "re: leftover" {
		t.Errorf("outbound = %+v, want the replayed reply delivered", out)
	}

	// The snapshot is consumed: a second replay is a no-op.
	d.ReplayHandoff(ctx)
	waitFor(t, func() bool { return d.ActiveRuns() == 0 }, "runs should settle")
	if n := len(inv.seen()); n != 1 {
		t.Errorf("invocations = %d, want 1", n)
	}
}
