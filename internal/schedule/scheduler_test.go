package schedule

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type countingJob struct {
	name  string
	err   error
	block chan struct{}
	trace *trace

	mu   sync.Mutex
	runs int
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	j.trace.add(j.name + " start")
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
		}
	}
	j.trace.add(j.name + " end")
	return j.err
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

// trace records job events in the order they happen. A nil trace drops them.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(event string) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, event)
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

type statusMap struct {
	mu sync.Mutex
	m  map[string]bool
}

func (s *statusMap) SetServing(service string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[service] = ok
}

func (s *statusMap) get(service string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, found := s.m[service]
	return ok, found
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddRejectsDuplicatesAndBadSpec(t *testing.T) {
	s := New("0 30 17 * * *", time.UTC, nil)
	if err := s.Add(&countingJob{name: "cnfut"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(&countingJob{name: "cnfut"}); err == nil {
		t.Error("Add accepted a duplicate job")
	}
	if got := s.Jobs(); !reflect.DeepEqual(got, []string{"cnfut"}) {
		t.Errorf("Jobs = %v", got)
	}

	bad := New("not a spec", time.UTC, nil)
	if err := bad.Add(&countingJob{name: "okx"}); err == nil {
		t.Error("Add accepted a bad cron spec")
	}
}

func TestRunNowReportsStatus(t *testing.T) {
	status := &statusMap{m: make(map[string]bool)}
	s := New("0 30 17 * * *", time.UTC, status)
	good := &countingJob{name: "cnfut"}
	bad := &countingJob{name: "okx", err: errors.New("upstream down")}
	for _, j := range []*countingJob{good, bad} {
		if err := s.Add(j); err != nil {
			t.Fatalf("Add(%s): %v", j.name, err)
		}
	}

	err := s.RunNow(context.Background())
	if err == nil || !strings.Contains(err.Error(), "okx") {
		t.Fatalf("RunNow err = %v, want the okx failure", err)
	}
	if good.count() != 1 || bad.count() != 1 {
		t.Errorf("runs = %d/%d, want 1/1", good.count(), bad.count())
	}

	if ok, found := status.get("cnfut"); !found || !ok {
		t.Errorf("cnfut status = %v (found %v), want serving", ok, found)
	}
	if ok, found := status.get("okx"); !found || ok {
		t.Errorf("okx status = %v (found %v), want not serving", ok, found)
	}

	r, found := s.Last("okx")
	if !found {
		t.Fatal("no last result for okx")
	}
	if r.Err == nil || r.Err.Error() != "upstream down" {
		t.Errorf("last okx error = %v", r.Err)
	}
}

func TestCycleRunsJobsInOrder(t *testing.T) {
	tr := &trace{}
	s := New("0 30 17 * * *", time.UTC, nil)
	for _, name := range []string{"cnfut", "okx", "maincontract"} {
		if err := s.Add(&countingJob{name: name, trace: tr}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RunNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"cnfut start", "cnfut end",
		"okx start", "okx end",
		"maincontract start", "maincontract end",
	}
	if got := tr.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestCycleSkippedWhileRunning(t *testing.T) {
	tr := &trace{}
	s := New("0 30 17 * * *", time.UTC, nil)
	source := &countingJob{name: "cnfut", block: make(chan struct{}), trace: tr}
	derived := &countingJob{name: "maincontract", trace: tr}
	for _, j := range []*countingJob{source, derived} {
		if err := s.Add(j); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background()) }()
	waitFor(t, time.Second, func() bool { return source.count() == 1 })

	// A second cycle neither overlaps the first nor runs the derived job early.
	if err := s.RunNow(context.Background()); err == nil {
		t.Error("RunNow during a cycle succeeded")
	}
	s.tick()
	if derived.count() != 0 {
		t.Errorf("maincontract ran %d times while cnfut was running", derived.count())
	}

	close(source.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	want := []string{"cnfut start", "cnfut end", "maincontract start", "maincontract end"}
	if got := tr.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSkipWhileRunning(t *testing.T) {
	s := New("0 30 17 * * *", time.UTC, nil)
	job := &countingJob{name: "slow", block: make(chan struct{})}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), job)
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return job.count() == 1 })

	if _, ran := s.run(context.Background(), job); ran {
		t.Error("second run of a running job was not skipped")
	}
	close(job.block)
	<-done
	if job.count() != 1 {
		t.Errorf("runs = %d, want 1", job.count())
	}
}

func TestScheduledRun(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	s := New("* * * * * *", loc, nil)
	job := &countingJob{name: "tick"}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if got := s.cron.Location(); got != loc {
		t.Errorf("cron location = %v, want %v", got, loc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return job.count() >= 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
