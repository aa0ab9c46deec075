package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingListener struct {
	mu     sync.Mutex
	events []Command
}

func (l *recordingListener) OnControl(_ string, cmd Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, cmd)
}

func (l *recordingListener) commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Command, len(l.events))
	copy(out, l.events)
	return out
}

// waitResult runs WaitIfPaused in a goroutine and returns its result channel
func waitResult(ctx context.Context, r *Registry, id string) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		ch <- r.WaitIfPaused(ctx, id)
	}()
	return ch
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	s, err := r.Register("exec-1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if s.ExecutionID() != "exec-1" {
		t.Errorf("ExecutionID() = %q, want %q", s.ExecutionID(), "exec-1")
	}
	if s.Paused() || s.Stopping() {
		t.Error("fresh state should be open and not stopping")
	}

	if _, err := r.Register("exec-1"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want ErrAlreadyRegistered", err)
	}

	r.Release("exec-1")
	if _, err := r.Register("exec-1"); err != nil {
		t.Errorf("Register() after Release error = %v", err)
	}
}

func TestRegistry_Release_Idempotent(t *testing.T) {
	r := NewRegistry()
	r.Release("never-registered")

	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Release("exec-1")
	r.Release("exec-1")

	if _, ok := r.Snapshot("exec-1"); ok {
		t.Error("Snapshot() found state after Release")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_UnknownExecution(t *testing.T) {
	r := NewRegistry()

	if r.Pause("missing") {
		t.Error("Pause() on unknown execution = true, want false")
	}
	if r.Resume("missing") {
		t.Error("Resume() on unknown execution = true, want false")
	}
	if r.Stop("missing") {
		t.Error("Stop() on unknown execution = true, want false")
	}
	if r.WaitIfPaused(context.Background(), "missing") {
		t.Error("WaitIfPaused() on unknown execution = true, want false")
	}
}

func TestRegistry_Transitions(t *testing.T) {
	type step struct {
		op   string
		want bool
	}

	tests := []struct {
		name         string
		steps        []step
		wantPaused   bool
		wantStopping bool
		wantEvents   []Command
	}{
		{
			name:       "pause then resume",
			steps:      []step{{"pause", true}, {"resume", true}},
			wantEvents: []Command{CommandPaused, CommandResumed},
		},
		{
			name:       "double pause is a quiet success",
			steps:      []step{{"pause", true}, {"pause", true}},
			wantPaused: true,
			wantEvents: []Command{CommandPaused},
		},
		{
			name:       "resume when running is a no-op",
			steps:      []step{{"resume", false}},
			wantEvents: nil,
		},
		{
			name:         "stop is idempotent and notifies once",
			steps:        []step{{"stop", true}, {"stop", true}},
			wantStopping: true,
			wantEvents:   []Command{CommandStopping},
		},
		{
			name:         "pause after stop fails",
			steps:        []step{{"stop", true}, {"pause", false}},
			wantStopping: true,
			wantEvents:   []Command{CommandStopping},
		},
		{
			name:         "resume after stop while paused fails",
			steps:        []step{{"pause", true}, {"stop", true}, {"resume", false}},
			wantStopping: true,
			wantEvents:   []Command{CommandPaused, CommandStopping},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			l := &recordingListener{}
			r.AddListener(l)
			if _, err := r.Register("exec-1"); err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			for i, s := range tt.steps {
				var got bool
				switch s.op {
				case "pause":
					got = r.Pause("exec-1")
				case "resume":
					got = r.Resume("exec-1")
				case "stop":
					got = r.Stop("exec-1")
				}
				if got != s.want {
					t.Errorf("step %d %s() = %v, want %v", i, s.op, got, s.want)
				}
			}

			snap, ok := r.Snapshot("exec-1")
			if !ok {
				t.Fatal("Snapshot() not found")
			}
			if snap.Paused != tt.wantPaused {
				t.Errorf("Paused = %v, want %v", snap.Paused, tt.wantPaused)
			}
			if snap.Stopping != tt.wantStopping {
				t.Errorf("Stopping = %v, want %v", snap.Stopping, tt.wantStopping)
			}

			events := l.commands()
			if len(events) != len(tt.wantEvents) {
				t.Fatalf("events = %v, want %v", events, tt.wantEvents)
			}
			for i := range events {
				if events[i] != tt.wantEvents[i] {
					t.Errorf("events[%d] = %q, want %q", i, events[i], tt.wantEvents[i])
				}
			}
		})
	}
}

func TestRegistry_WaitIfPaused_OpenGate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for i := 0; i < 1000; i++ {
		if !r.WaitIfPaused(context.Background(), "exec-1") {
			t.Fatal("WaitIfPaused() on open gate = false, want true")
		}
	}
}

func TestRegistry_WaitIfPaused_BlocksUntilResume(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Pause("exec-1")

	result := waitResult(context.Background(), r, "exec-1")

	select {
	case <-result:
		t.Fatal("WaitIfPaused() returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	r.Resume("exec-1")

	select {
	case got := <-result:
		if !got {
			t.Error("WaitIfPaused() after resume = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused() did not wake after resume")
	}
}

func TestRegistry_WaitIfPaused_StopWhilePaused(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Pause("exec-1")

	result := waitResult(context.Background(), r, "exec-1")
	time.Sleep(10 * time.Millisecond)
	r.Stop("exec-1")

	select {
	case got := <-result:
		if got {
			t.Error("WaitIfPaused() after stop = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused() did not wake after stop")
	}

	// Stop is terminal: later calls keep reporting false
	if r.Resume("exec-1") {
		t.Error("Resume() after stop = true, want false")
	}
	if r.WaitIfPaused(context.Background(), "exec-1") {
		t.Error("WaitIfPaused() after stop = true, want false")
	}
}

func TestRegistry_WaitIfPaused_ContextCancel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Pause("exec-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if r.WaitIfPaused(ctx, "exec-1") {
		t.Error("WaitIfPaused() with expired context = true, want false")
	}
	if ctx.Err() == nil {
		t.Error("WaitIfPaused() returned before the context ended")
	}
}

func TestRegistry_ReleaseWakesWaiter(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Pause("exec-1")

	state, _ := r.Snapshot("exec-1")
	if !state.Paused {
		t.Fatal("expected paused state")
	}

	s := r.lookup("exec-1")
	result := make(chan bool, 1)
	go func() { result <- s.WaitIfPaused(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	r.Release("exec-1")

	select {
	case got := <-result:
		if got {
			t.Error("waiter after Release = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("Release did not wake the waiter")
	}
}

func TestRegistry_ListenerPanicIsContained(t *testing.T) {
	r := NewRegistry()
	r.AddListener(ListenerFunc(func(string, Command) {
		panic("listener bug")
	}))
	l := &recordingListener{}
	r.AddListener(l)

	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !r.Pause("exec-1") {
		t.Fatal("Pause() = false, want true")
	}

	snap, _ := r.Snapshot("exec-1")
	if !snap.Paused {
		t.Error("transition should be applied despite listener panic")
	}
	if got := l.commands(); len(got) != 1 || got[0] != CommandPaused {
		t.Errorf("second listener events = %v, want [paused]", got)
	}
}

func TestRegistry_RemoveListener(t *testing.T) {
	r := NewRegistry()
	l := &recordingListener{}
	id := r.AddListener(l)

	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Pause("exec-1")
	r.RemoveListener(id)
	r.RemoveListener(id + 100)
	r.Resume("exec-1")

	if got := l.commands(); len(got) != 1 {
		t.Errorf("events after removal = %v, want only [paused]", got)
	}
}

func TestRegistry_ConcurrentControl(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("exec-1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Pause("exec-1")
		}()
		go func() {
			defer wg.Done()
			r.Resume("exec-1")
		}()
	}
	wg.Wait()

	r.Stop("exec-1")
	if r.WaitIfPaused(context.Background(), "exec-1") {
		t.Error("WaitIfPaused() after stop = true, want false")
	}
}
