package geofence

import "time"

// WorkflowStep is a single expected (geofence_id, action) transition within
// a workflow, with a deadline by which it must occur once the workflow
// reaches it.
type WorkflowStep struct {
	GeofenceID     string
	ExpectedAction string
	Timeout        time.Duration
}

type runningWorkflow struct {
	id       string
	steps    []WorkflowStep
	cursor   int
	deadline time.Time
}

// WorkflowManager tracks zero or more in-flight geofence workflows: ordered
// sequences of (geofence_id, expected_action, timeout) steps that advance on
// matching events and emit workflow_timeout / workflow_complete.
type WorkflowManager struct {
	running map[string]*runningWorkflow
}

// NewWorkflowManager constructs an empty manager.
func NewWorkflowManager() *WorkflowManager {
	return &WorkflowManager{running: make(map[string]*runningWorkflow)}
}

// Register starts a new workflow under workflowID with the given ordered
// steps, replacing any prior workflow registered under the same id.
func (m *WorkflowManager) Register(workflowID string, steps []WorkflowStep, now time.Time) {
	if len(steps) == 0 {
		delete(m.running, workflowID)
		return
	}
	m.running[workflowID] = &runningWorkflow{
		id:       workflowID,
		steps:    steps,
		cursor:   0,
		deadline: now.Add(steps[0].Timeout),
	}
}

// Advance is called for every emitted geofence transition. It checks every
// running workflow: a workflow whose current step's deadline has already
// passed times out and is removed; a workflow whose current step matches
// (geofenceID, action) advances (or completes on its final step).
func (m *WorkflowManager) Advance(geofenceID, action string, now time.Time) (advanced, timedOut, completed bool) {
	for id, wf := range m.running {
		if now.After(wf.deadline) {
			delete(m.running, id)
			timedOut = true
			continue
		}
		step := wf.steps[wf.cursor]
		if step.GeofenceID != geofenceID || step.ExpectedAction != action {
			continue
		}
		advanced = true
		wf.cursor++
		if wf.cursor >= len(wf.steps) {
			delete(m.running, id)
			completed = true
			continue
		}
		wf.deadline = now.Add(wf.steps[wf.cursor].Timeout)
	}
	return advanced, timedOut, completed
}

// Active reports whether a workflow is currently registered under id.
func (m *WorkflowManager) Active(workflowID string) bool {
	_, ok := m.running[workflowID]
	return ok
}
