// Package jobs holds the job state machine, the concurrent registry and
// the pipeline that drives one separation job to a terminal state.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// Job is the only mutable shared object per job. All mutation goes
// through its methods; the state only moves forward, error is reachable
// from any non-terminal state, and every transition emits a progress
// snapshot to subscribers and the registry's sinks.
type Job struct {
	mu sync.Mutex
	// pubMu orders snapshot emission. It is held from snapshot
	// construction through fan-out, so two concurrent transitions can
	// never deliver their snapshots to a sink or subscriber out of
	// order. Always acquired before mu, never while holding it.
	pubMu sync.Mutex

	id      string
	source  string
	opts    model.JobOptions
	workDir string

	state       model.State
	tasks       map[model.TaskName]model.TaskStatus
	segments    []model.Segment
	completed   int
	artifacts   map[string]string
	createdAt   time.Time
	completedAt time.Time
	errDetail   *model.ErrorDetail

	subs    map[int]chan model.ProgressSnapshot
	nextSub int
	emit    func(model.ProgressSnapshot)
}

func newJob(id, source string, opts model.JobOptions, workDir string, emit func(model.ProgressSnapshot)) *Job {
	return &Job{
		id:        id,
		source:    source,
		opts:      opts,
		workDir:   workDir,
		state:     model.StateIdle,
		tasks:     make(map[model.TaskName]model.TaskStatus, len(model.TaskOrder)),
		createdAt: time.Now().UTC(),
		subs:      make(map[int]chan model.ProgressSnapshot),
		emit:      emit,
	}
}

func (j *Job) ID() string               { return j.id }
func (j *Job) Source() string           { return j.source }
func (j *Job) Options() model.JobOptions { return j.opts }
func (j *Job) WorkDir() string          { return j.workDir }
func (j *Job) CreatedAt() time.Time     { return j.createdAt }

// State returns the current lifecycle state.
func (j *Job) State() model.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start moves the job from idle to running.
func (j *Job) Start() error {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if j.state != model.StateIdle {
		j.mu.Unlock()
		return fmt.Errorf("invalid transition: %s -> %s", j.state, model.StateRunning)
	}
	j.state = model.StateRunning
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.publish(snap)
	return nil
}

// StartTask marks one task facet running. A task whose status is already
// final cannot be restarted, and no earlier task may re-enter running
// once a later one has started.
func (j *Job) StartTask(task model.TaskName) error {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if j.state != model.StateRunning {
		j.mu.Unlock()
		return fmt.Errorf("cannot start task %s in state %s", task, j.state)
	}
	if cur, ok := j.tasks[task]; ok && cur.Final() {
		j.mu.Unlock()
		return fmt.Errorf("task %s already %s", task, cur)
	}
	j.tasks[task] = model.TaskRunning
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.publish(snap)
	return nil
}

// FinishTask records a task's successful outcome (done or no_work).
func (j *Job) FinishTask(task model.TaskName, status model.TaskStatus) error {
	if status != model.TaskDone && status != model.TaskNoWork {
		return fmt.Errorf("finish status must be done or no_work, got %s", status)
	}

	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if cur, ok := j.tasks[task]; ok && cur.Final() {
		j.mu.Unlock()
		return fmt.Errorf("task %s already %s", task, cur)
	}
	j.tasks[task] = status
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.publish(snap)
	return nil
}

// SetSegments fixes the segment list. The total is immutable afterwards.
func (j *Job) SetSegments(segments []model.Segment) error {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if len(j.segments) > 0 {
		j.mu.Unlock()
		return fmt.Errorf("segments already set")
	}
	j.segments = make([]model.Segment, len(segments))
	copy(j.segments, segments)
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.publish(snap)
	return nil
}

// Segments returns a copy of the segment list.
func (j *Job) Segments() []model.Segment {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.Segment, len(j.segments))
	copy(out, j.segments)
	return out
}

// SegmentStarted marks one segment running.
func (j *Job) SegmentStarted(index int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index >= 0 && index < len(j.segments) && j.segments[index].Status == model.SegmentPending {
		j.segments[index].Status = model.SegmentRunning
	}
}

// SegmentDone records one completed segment with its stem artifacts and
// the chunk size the successful attempt used. Completed counts only grow,
// so percent is monotonically non-decreasing.
func (j *Job) SegmentDone(index, chunkSize int, stems map[string]string) error {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if index < 0 || index >= len(j.segments) {
		j.mu.Unlock()
		return fmt.Errorf("segment index %d out of range", index)
	}
	seg := &j.segments[index]
	if seg.Status == model.SegmentDone {
		j.mu.Unlock()
		return fmt.Errorf("segment %d already done", index)
	}
	seg.Status = model.SegmentDone
	seg.ChunkSize = chunkSize
	seg.Stems = stems
	j.completed++
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.publish(snap)
	return nil
}

// Complete moves the job to its successful terminal state.
func (j *Job) Complete(artifacts map[string]string) error {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if j.state != model.StateRunning {
		j.mu.Unlock()
		return fmt.Errorf("invalid transition: %s -> %s", j.state, model.StateCompleted)
	}
	j.state = model.StateCompleted
	j.artifacts = artifacts
	j.completedAt = time.Now().UTC()
	snap := j.snapshotLocked()
	subs := j.drainSubsLocked()
	j.mu.Unlock()

	j.publishTerminal(snap, subs)
	return nil
}

// Fail moves the job to the error terminal state, recording the failing
// task and error kind.
func (j *Job) Fail(task model.TaskName, err error) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.tasks[task] = model.TaskFailed
	j.state = model.StateError
	j.completedAt = time.Now().UTC()
	j.errDetail = &model.ErrorDetail{
		Task:    task,
		Kind:    domain.ErrorKind(err),
		Message: err.Error(),
	}
	snap := j.snapshotLocked()
	subs := j.drainSubsLocked()
	j.mu.Unlock()

	j.publishTerminal(snap, subs)
}

// Artifact returns the final artifact path for one stem.
func (j *Job) Artifact(stem string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	path, ok := j.artifacts[stem]
	return path, ok
}

// Artifacts returns a copy of the final artifact map.
func (j *Job) Artifacts() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string, len(j.artifacts))
	for k, v := range j.artifacts {
		out[k] = v
	}
	return out
}

// Snapshot derives the immutable progress record at this point in time.
func (j *Job) Snapshot() model.ProgressSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// Info returns the immutable job summary.
func (j *Job) Info() model.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := model.JobInfo{
		ID:        j.id,
		Source:    j.source,
		State:     j.state,
		CreatedAt: j.createdAt,
		Error:     j.errDetail,
	}
	if !j.completedAt.IsZero() {
		done := j.completedAt
		info.CompletedAt = &done
	}
	return info
}

// Subscribe returns a channel receiving every subsequent snapshot and a
// cancel function. The channel is closed when the job reaches a terminal
// state; subscribing to a finished job yields its final snapshot and an
// immediately closed channel.
func (j *Job) Subscribe() (<-chan model.ProgressSnapshot, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		ch := make(chan model.ProgressSnapshot, 1)
		ch <- j.snapshotLocked()
		close(ch)
		return ch, func() {}
	}

	id := j.nextSub
	j.nextSub++
	ch := make(chan model.ProgressSnapshot, 16)
	j.subs[id] = ch

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (j *Job) snapshotLocked() model.ProgressSnapshot {
	now := time.Now().UTC()
	tasks := make(map[model.TaskName]model.TaskStatus, len(j.tasks))
	for k, v := range j.tasks {
		tasks[k] = v
	}

	total := len(j.segments)
	percent := 0.0
	if total > 0 {
		percent = 100 * float64(j.completed) / float64(total)
	}

	return model.ProgressSnapshot{
		JobID:          j.id,
		State:          j.state,
		Tasks:          tasks,
		Timestamp:      now.Unix(),
		ElapsedSeconds: now.Sub(j.createdAt).Seconds(),
		Details: model.ProgressDetails{
			CompletedSegments: j.completed,
			TotalSegments:     total,
			Percent:           percent,
		},
		Error: j.errDetail,
	}
}

// publish fans a snapshot out to subscribers and the registry sink. Slow
// subscribers are skipped rather than blocking the pipeline. Callers hold
// pubMu, which keeps snapshots arriving in construction order.
func (j *Job) publish(snap model.ProgressSnapshot) {
	j.mu.Lock()
	chans := make([]chan model.ProgressSnapshot, 0, len(j.subs))
	for _, ch := range j.subs {
		chans = append(chans, ch)
	}
	j.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- snap:
		default:
		}
	}
	if j.emit != nil {
		j.emit(snap)
	}
}

// publishTerminal delivers the final snapshot to the drained subscribers,
// closes them, and forwards to the registry sink. The terminal send is
// guaranteed: a subscriber that fell behind loses its oldest buffered
// snapshots, never the final one.
func (j *Job) publishTerminal(snap model.ProgressSnapshot, subs []chan model.ProgressSnapshot) {
	for _, ch := range subs {
		// The channels left the sub map under the lock, so this loop
		// is the only remaining sender and must terminate.
		for {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
		close(ch)
	}
	if j.emit != nil {
		j.emit(snap)
	}
}

func (j *Job) drainSubsLocked() []chan model.ProgressSnapshot {
	subs := make([]chan model.ProgressSnapshot, 0, len(j.subs))
	for _, ch := range j.subs {
		subs = append(subs, ch)
	}
	j.subs = make(map[int]chan model.ProgressSnapshot)
	return subs
}
