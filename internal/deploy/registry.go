package deploy

import "sync"

// task is the cancellable background work owned by one job: either a status
// poller or a fallback timer.
type task struct {
	kind   string
	cancel func()
	once   sync.Once
}

func (t *task) stop() { t.once.Do(t.cancel) }

// registry maps job ids to their single active task.
type registry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*task)}
}

// add installs t for jobID unless the job already has a task.
func (r *registry) add(jobID string, t *task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[jobID]; ok {
		return ErrPollerActive
	}
	r.tasks[jobID] = t
	return nil
}

// remove drops t if it is still the job's task. It does not stop it.
func (r *registry) remove(jobID string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[jobID] == t {
		delete(r.tasks, jobID)
	}
}

// cancel stops and drops the job's task. Cancelling a job without a task is
// a no-op.
func (r *registry) cancel(jobID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[jobID]
	delete(r.tasks, jobID)
	r.mu.Unlock()
	if ok {
		t.stop()
	}
	return ok
}

func (r *registry) cancelAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*task)
	r.mu.Unlock()
	for _, t := range tasks {
		t.stop()
	}
}

func (r *registry) active(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[jobID]
	if !ok {
		return "", false
	}
	return t.kind, true
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
