package runner

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/publish"
	"github.com/fornjot/matrixbuild/pkg/staging"
)

// Job tracks the execution of one JobSpec
type Job struct {
	Spec pipeline.JobSpec

	lock     sync.Mutex
	state    State
	history  []State
	compiler string
	err      *JobError
	artifact *staging.ArtifactRef
	record   *publish.Record
}

func newJob(spec pipeline.JobSpec) *Job {
	return &Job{
		Spec:    spec,
		state:   Pending,
		history: []State{Pending},
	}
}

// State returns the current state
func (j *Job) State() State {
	j.lock.Lock()
	defer j.lock.Unlock()

	return j.state
}

// History returns every state the job went through, in order
func (j *Job) History() []State {
	j.lock.Lock()
	defer j.lock.Unlock()

	return append([]State(nil), j.history...)
}

// Err returns the failure of a failed job and nil otherwise
func (j *Job) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.err == nil {
		return nil
	}
	return j.err
}

// Artifact returns the staged artifact. It is only set once the job reached Staged.
func (j *Job) Artifact() (staging.ArtifactRef, bool) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.artifact == nil {
		return staging.ArtifactRef{}, false
	}
	return *j.artifact, true
}

// Record returns the publish record of a published job
func (j *Job) Record() (publish.Record, bool) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.record == nil {
		return publish.Record{}, false
	}
	return *j.record, true
}

func (j *Job) transition(to State) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if !allowed(j.state, to) {
		return eris.Errorf("disallowed transition for %s: %s -> %s", j.Spec.ID(), j.state, to)
	}

	j.state = to
	j.history = append(j.history, to)
	return nil
}

func (j *Job) fail(kind Kind, err error) *JobError {
	j.lock.Lock()
	defer j.lock.Unlock()

	jobErr := &JobError{Job: j.Spec.ID(), Kind: kind, From: j.state, Err: err}
	if !j.state.Terminal() {
		j.state = Failed
		j.history = append(j.history, Failed)
		j.err = jobErr
	}
	return jobErr
}

// JobStatus is a point in time snapshot of a job. In dry runs nothing is staged or published, so
// Compiled is the final state of a successful job.
type JobStatus struct {
	ID       string          `json:"id"`
	Target   string          `json:"target"`
	HostOS   pipeline.HostOS `json:"host_os"`
	Cross    bool            `json:"cross"`
	Compiler string          `json:"compiler,omitempty"`
	State    State           `json:"state"`
	Kind     Kind            `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
	SHA256   string          `json:"sha256,omitempty"`
	DryRun   bool            `json:"dry_run,omitempty"`
}

// Status returns a snapshot of the job
func (j *Job) Status() JobStatus {
	j.lock.Lock()
	defer j.lock.Unlock()

	status := JobStatus{
		ID:       j.Spec.ID(),
		Target:   j.Spec.TargetTriple,
		HostOS:   j.Spec.HostOS,
		Cross:    j.Spec.UseCross,
		Compiler: j.compiler,
		State:    j.state,
	}
	if j.err != nil {
		status.Kind = j.err.Kind
		status.Error = j.err.Err.Error()
	}
	if j.artifact != nil {
		status.Artifact = j.artifact.Name()
	}
	if j.record != nil {
		status.SHA256 = j.record.SHA256
	}
	return status
}
