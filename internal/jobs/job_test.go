package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// snapCollector records every emitted snapshot in order.
type snapCollector struct {
	mu    sync.Mutex
	snaps []model.ProgressSnapshot
}

func (c *snapCollector) emit(snap model.ProgressSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
}

func (c *snapCollector) all() []model.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ProgressSnapshot, len(c.snaps))
	copy(out, c.snaps)
	return out
}

func testJob(t *testing.T, collector *snapCollector) *Job {
	t.Helper()
	emit := func(model.ProgressSnapshot) {}
	if collector != nil {
		emit = collector.emit
	}
	return newJob("job-1", "song.mp3", model.JobOptions{}, t.TempDir(), emit)
}

func pendingSegments(n int) []model.Segment {
	out := make([]model.Segment, n)
	for i := range out {
		out[i] = model.Segment{Index: i, Status: model.SegmentPending}
	}
	return out
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	if job.State() != model.StateIdle {
		t.Fatalf("state = %s, want idle", job.State())
	}

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.StartTask(model.TaskModels); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := job.FinishTask(model.TaskModels, model.TaskDone); err != nil {
		t.Fatalf("finish task: %v", err)
	}
	if err := job.SetSegments(pendingSegments(2)); err != nil {
		t.Fatalf("set segments: %v", err)
	}
	if err := job.SegmentDone(0, 40, map[string]string{"vocals": "a"}); err != nil {
		t.Fatalf("segment done: %v", err)
	}
	if err := job.SegmentDone(1, 38, map[string]string{"vocals": "b"}); err != nil {
		t.Fatalf("segment done: %v", err)
	}
	if err := job.Complete(map[string]string{"vocals": "out/vocals.mp3"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	snap := job.Snapshot()
	if snap.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	if snap.Details.CompletedSegments != 2 || snap.Details.TotalSegments != 2 || snap.Details.Percent != 100 {
		t.Fatalf("details = %+v, want 2/2 at 100%%", snap.Details)
	}
	if snap.Tasks[model.TaskModels] != model.TaskDone {
		t.Fatalf("models task = %s, want done", snap.Tasks[model.TaskModels])
	}
	if path, ok := job.Artifact("vocals"); !ok || path != "out/vocals.mp3" {
		t.Fatalf("artifact = %q/%v", path, ok)
	}
}

func TestJobInvalidTransitions(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	if err := job.Complete(nil); err == nil {
		t.Fatal("complete from idle succeeded")
	}
	if err := job.StartTask(model.TaskCutting); err == nil {
		t.Fatal("task started while idle")
	}

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.Start(); err == nil {
		t.Fatal("second start succeeded")
	}

	if err := job.StartTask(model.TaskCutting); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := job.FinishTask(model.TaskCutting, model.TaskDone); err != nil {
		t.Fatalf("finish task: %v", err)
	}
	if err := job.StartTask(model.TaskCutting); err == nil {
		t.Fatal("final task restarted")
	}
	if err := job.FinishTask(model.TaskCutting, model.TaskNoWork); err == nil {
		t.Fatal("final task status changed")
	}
	if err := job.FinishTask(model.TaskInference, model.TaskFailed); err == nil {
		t.Fatal("finish accepted failed status")
	}
}

func TestJobFailRecordsErrorDetail(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.StartTask(model.TaskInference); err != nil {
		t.Fatalf("start task: %v", err)
	}

	job.Fail(model.TaskInference, fmt.Errorf("%w: segment 2: chunk floor reached", domain.ErrResourceExhausted))

	snap := job.Snapshot()
	if snap.State != model.StateError {
		t.Fatalf("state = %s, want error", snap.State)
	}
	if snap.Tasks[model.TaskInference] != model.TaskFailed {
		t.Fatalf("task = %s, want failed", snap.Tasks[model.TaskInference])
	}
	if snap.Error == nil || snap.Error.Task != model.TaskInference || snap.Error.Kind != "resource_exhausted" {
		t.Fatalf("error detail = %+v", snap.Error)
	}

	// Terminal states absorb further mutation.
	job.Fail(model.TaskConversion, domain.ErrReassembly)
	if got := job.Snapshot(); got.Error.Task != model.TaskInference {
		t.Fatalf("error detail overwritten: %+v", got.Error)
	}
	if err := job.Complete(nil); err == nil {
		t.Fatal("complete after error succeeded")
	}
}

func TestJobPercentMonotonic(t *testing.T) {
	t.Parallel()

	collector := &snapCollector{}
	job := testJob(t, collector)

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.SetSegments(pendingSegments(4)); err != nil {
		t.Fatalf("set segments: %v", err)
	}
	for i := 0; i < 4; i++ {
		job.SegmentStarted(i)
		if err := job.SegmentDone(i, 40, nil); err != nil {
			t.Fatalf("segment %d done: %v", i, err)
		}
	}
	if err := job.Complete(nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	prev := -1.0
	for i, snap := range collector.all() {
		if snap.Details.Percent < prev {
			t.Fatalf("snapshot %d percent %f < previous %f", i, snap.Details.Percent, prev)
		}
		prev = snap.Details.Percent
	}
	if prev != 100 {
		t.Fatalf("final percent = %f, want 100", prev)
	}
}

func TestJobConcurrentSegmentDoneKeepsSnapshotOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var percents []float64
	firstEmitting := make(chan struct{})
	emit := func(snap model.ProgressSnapshot) {
		if snap.Details.CompletedSegments == 1 {
			close(firstEmitting)
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		percents = append(percents, snap.Details.Percent)
		mu.Unlock()
	}
	job := newJob("job-1", "song.mp3", model.JobOptions{}, t.TempDir(), emit)

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.SetSegments(pendingSegments(2)); err != nil {
		t.Fatalf("set segments: %v", err)
	}

	// First completion stalls inside the sink; the second, from another
	// goroutine, must wait for it rather than overtake it.
	done := make(chan error, 1)
	go func() { done <- job.SegmentDone(0, 40, nil) }()
	<-firstEmitting
	if err := job.SegmentDone(1, 40, nil); err != nil {
		t.Fatalf("segment 1 done: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("segment 0 done: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	prev := -1.0
	for i, p := range percents {
		if p < prev {
			t.Fatalf("sink saw percent %f at position %d after %f: order %v", p, i, prev, percents)
		}
		prev = p
	}
	if prev != 100 {
		t.Fatalf("final percent = %f, want 100", prev)
	}
}

func TestSubscribeSlowConsumerStillGetsTerminalSnapshot(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	ch, cancel := job.Subscribe()
	defer cancel()

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.SetSegments(pendingSegments(20)); err != nil {
		t.Fatalf("set segments: %v", err)
	}
	// More snapshots than the subscriber buffer holds, none consumed.
	for i := 0; i < 20; i++ {
		if err := job.SegmentDone(i, 40, nil); err != nil {
			t.Fatalf("segment %d done: %v", i, err)
		}
	}
	if err := job.Complete(nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var last model.ProgressSnapshot
	for snap := range ch {
		last = snap
	}
	if last.State != model.StateCompleted {
		t.Fatalf("last snapshot state = %s, want completed", last.State)
	}
	if last.Details.Percent != 100 {
		t.Fatalf("last snapshot percent = %f, want 100", last.Details.Percent)
	}
}

func TestJobDuplicateSegmentDoneRejected(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.SetSegments(pendingSegments(1)); err != nil {
		t.Fatalf("set segments: %v", err)
	}
	if err := job.SegmentDone(0, 40, nil); err != nil {
		t.Fatalf("segment done: %v", err)
	}
	if err := job.SegmentDone(0, 40, nil); err == nil {
		t.Fatal("duplicate segment completion accepted")
	}
	if got := job.Snapshot().Details.CompletedSegments; got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
}

func TestSubscribeReceivesTerminalSnapshot(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	ch, cancel := job.Subscribe()
	defer cancel()

	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.Complete(nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var last model.ProgressSnapshot
	for snap := range ch {
		last = snap
	}
	if last.State != model.StateCompleted {
		t.Fatalf("last snapshot state = %s, want completed", last.State)
	}
}

func TestSubscribeAfterTerminal(t *testing.T) {
	t.Parallel()

	job := testJob(t, nil)
	if err := job.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	job.Fail(model.TaskCutting, domain.ErrInvalidCutPoints)

	ch, cancel := job.Subscribe()
	defer cancel()

	snap, ok := <-ch
	if !ok {
		t.Fatal("channel closed without the final snapshot")
	}
	if snap.State != model.StateError {
		t.Fatalf("state = %s, want error", snap.State)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after final snapshot")
	}
}
