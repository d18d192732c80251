package followup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHandoff_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := "agent:default:telegram:direct:123"

	external := sampleRun("deliver me", "m1", "123")
	internal := sampleRun("internal only", "m2", "")
	internal.OriginTo = ""
	// Routing differs, so both are admitted.
	s.Enqueue(key, external, EnqueueSettings{})
	s.Enqueue(key, internal, EnqueueSettings{})

	s.SaveRestartHandoff()

	s2 := NewStore(dir)
	data := s2.LoadAndClearRestartHandoff()
	if data == nil {
		t.Fatal("expected handoff data, got nil")
	}
	if data.Version != handoffVersion {
		t.Errorf("version = %d, want %d", data.Version, handoffVersion)
	}
	if len(data.Queues) != 1 {
		t.Fatalf("queues = %d, want 1", len(data.Queues))
	}
	q := data.Queues[0]
	if q.Key != key {
		t.Errorf("key = %q, want %q", q.Key, key)
	}
	if len(q.Items) != 1 {
		t.Fatalf("items = %d, want only the item with an external destination", len(q.Items))
	}
	if q.Items[0].Prompt != "deliver me" || q.Items[0].OriginTo != "123" {
		t.Errorf("wrong item survived: %+v", q.Items[0])
	}

	// Second read: file already consumed.
	if again := s2.LoadAndClearRestartHandoff(); again != nil {
		t.Error("second load must return nil — at-most-once consumption")
	}
}

func TestHandoff_EmptyQueuesWriteNothing(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	// Only an item with no external destination: whole queue is skipped.
	run := sampleRun("transient", "m1", "")
	run.OriginTo = ""
	s.Enqueue("k", run, EnqueueSettings{})

	s.SaveRestartHandoff()
	if _, err := os.Stat(s.handoffPath()); !os.IsNotExist(err) {
		t.Error("no handoff file should exist when nothing needs delivery")
	}
}

func TestHandoff_StalenessGuard(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	stale := HandoffData{
		SavedAt: time.Now().Add(-10 * time.Minute).UnixMilli(),
		Version: handoffVersion,
		Queues: []HandoffQueue{{
			Key:  "k",
			Mode: DedupeMessageID,
			Items: []HandoffItem{{
				Prompt:        "old news",
				OriginChannel: "telegram",
				OriginTo:      "123",
				SessionKey:    "agent:default:telegram:direct:123",
			}},
		}},
	}
	raw, err := json.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.handoffPath(), raw, 0644); err != nil {
		t.Fatal(err)
	}

	if data := s.LoadAndClearRestartHandoff(); data != nil {
		t.Error("snapshot older than the staleness threshold must be discarded")
	}
	// Even a rejected snapshot is consumed.
	if _, err := os.Stat(s.handoffPath()); !os.IsNotExist(err) {
		t.Error("stale handoff file must still be deleted")
	}
}

func TestHandoff_PoisonSnapshotConsumedOnce(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := os.WriteFile(s.handoffPath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if data := s.LoadAndClearRestartHandoff(); data != nil {
		t.Error("unparseable snapshot must yield nil")
	}
	if _, err := os.Stat(s.handoffPath()); !os.IsNotExist(err) {
		t.Error("poison snapshot must be deleted before parsing — no crash loop")
	}
}

func TestHandoff_MissingFileIsCleanStart(t *testing.T) {
	s := NewStore(t.TempDir())
	if data := s.LoadAndClearRestartHandoff(); data != nil {
		t.Error("no file means clean start, want nil")
	}
}

func TestReplayHandoffQueues(t *testing.T) {
	data := &HandoffData{
		SavedAt: time.Now().UnixMilli(),
		Version: handoffVersion,
		Queues: []HandoffQueue{{
			Key:  "k",
			Mode: DedupeMessageID,
			Items: []HandoffItem{
				{Prompt: "one", OriginChannel: "telegram", OriginTo: "123", SessionKey: "s1"},
				{Prompt: "two", OriginChannel: "telegram", OriginTo: "123", SessionKey: "s1"},
				{Prompt: "three", OriginChannel: "webchat", OriginTo: "abc", SessionKey: "s2"},
			},
		}},
	}

	var submitted []SubmitParams
	ReplayHandoffQueues(data, func(p SubmitParams) error {
		submitted = append(submitted, p)
		if p.Message == "two" {
			return os.ErrPermission // one failure must not abort the rest
		}
		return nil
	})

	if len(submitted) != 3 {
		t.Fatalf("submitted %d items, want 3 (failures are per-item)", len(submitted))
	}
	for _, p := range submitted {
		if !p.Deliver {
			t.Errorf("replayed item %q must set Deliver", p.Message)
		}
	}
	if submitted[2].Channel != "webchat" || submitted[2].To != "abc" {
		t.Errorf("routing fields not preserved: %+v", submitted[2])
	}
}

func TestHandoffFileIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Enqueue("k", sampleRun("p", "m1", "123"), EnqueueSettings{})
	s.SaveRestartHandoff()

	raw, err := os.ReadFile(filepath.Join(dir, handoffFileName))
	if err != nil {
		t.Fatalf("read handoff: %v", err)
	}
	var data HandoffData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("handoff file is not valid JSON: %v", err)
	}
	if data.SavedAt == 0 {
		t.Error("savedAt missing")
	}
}
