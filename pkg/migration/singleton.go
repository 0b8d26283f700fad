package migration

import (
	"context"
	"sync"

	"github.com/cloudferry/cloudferry/pkg/engine"
)

// SingletonGroup deduplicates side effects across every flow of a run.
// Tasks wrapped by the same group and computing the same key execute at
// most once; later calls get the first result. Every task that obtained the
// result holds it, and the side effect is undone only when the last holder
// reverts.
type SingletonGroup struct {
	mu      sync.Mutex
	entries map[string]*singletonEntry
}

type singletonEntry struct {
	task   engine.Task
	in     engine.Values
	result *engine.Result
	refs   int
}

// NewSingletonGroup creates an empty group.
func NewSingletonGroup() *SingletonGroup {
	return &SingletonGroup{entries: make(map[string]*singletonEntry)}
}

// KeyFunc derives the deduplication key of a call from its inputs.
type KeyFunc func(in engine.Values) string

// Wrap returns task deduplicated by key within g.
func (g *SingletonGroup) Wrap(task engine.Task, key KeyFunc) *SingletonTask {
	return &SingletonTask{Task: task, group: g, key: key}
}

// SingletonTask is a task executed at most once per key within its group.
type SingletonTask struct {
	engine.Task

	group *SingletonGroup
	key   KeyFunc

	mu       sync.Mutex
	executed bool
	held     string
	holding  bool
}

// Execute runs the wrapped task unless a task of the group already ran with
// the same key, in which case that result is returned. The group lock is
// held while the body runs.
func (t *SingletonTask) Execute(ctx context.Context, in engine.Values) (*engine.Result, error) {
	key := t.key(in)

	t.group.mu.Lock()
	defer t.group.mu.Unlock()

	if entry, ok := t.group.entries[key]; ok {
		entry.refs++
		t.hold(key, false)
		return entry.result, nil
	}

	result, err := t.Task.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &engine.Result{}
	}
	t.group.entries[key] = &singletonEntry{task: t.Task, in: in, result: result, refs: 1}
	t.hold(key, true)

	return result, nil
}

func (t *SingletonTask) hold(key string, executed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held = key
	t.holding = true
	t.executed = executed
}

// Revert releases the result held by this instance. The wrapped task that
// produced it is reverted, and the key forgotten so it can run again, once
// no other holder is left. A flow that succeeded keeps its hold, so a shared
// side effect it relies on survives the revert of its siblings.
func (t *SingletonTask) Revert(ctx context.Context, _ engine.Values, _ *engine.Result) error {
	t.mu.Lock()
	key, holding := t.held, t.holding
	t.held, t.holding, t.executed = "", false, false
	t.mu.Unlock()

	if !holding {
		return nil
	}

	t.group.mu.Lock()
	entry, ok := t.group.entries[key]
	if !ok {
		t.group.mu.Unlock()
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		t.group.mu.Unlock()
		return nil
	}
	delete(t.group.entries, key)
	t.group.mu.Unlock()

	return entry.task.Revert(ctx, entry.in, entry.result)
}

// Executed reports whether this instance ran the wrapped task.
func (t *SingletonTask) Executed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}
