package deployment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hookdeploy/internal/status"

	"github.com/prometheus/client_golang/prometheus"
)

type report struct {
	Kind  string // "status" or "comment"
	Repo  string
	SHA   string
	State status.State
	Text  string
}

// recordingReporter captures every report in order.
type recordingReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *recordingReporter) SetStatus(_ context.Context, repo, sha string, state status.State, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{Kind: "status", Repo: repo, SHA: sha, State: state, Text: description})
}

func (r *recordingReporter) AddComment(_ context.Context, repo, sha, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{Kind: "comment", Repo: repo, SHA: sha, Text: body})
}

func (r *recordingReporter) Reports() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

func (r *recordingReporter) States() []status.State {
	var states []status.State
	for _, rep := range r.Reports() {
		if rep.Kind == "status" {
			states = append(states, rep.State)
		}
	}
	return states
}

func (r *recordingReporter) Comments() []string {
	var comments []string
	for _, rep := range r.Reports() {
		if rep.Kind == "comment" {
			comments = append(comments, rep.Text)
		}
	}
	return comments
}

type testDeployer struct {
	*Deployer
	reporter *recordingReporter
	syncer   *fakeSyncer
}

// newTestDeployer creates a deployer whose repos dir contains "web".
func newTestDeployer(t *testing.T, command []string) *testDeployer {
	t.Helper()
	reposDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(reposDir, "web"), 0755); err != nil {
		t.Fatal(err)
	}

	runner, syncer := newTestRunner(command, "")
	reporter := &recordingReporter{}
	return &testDeployer{
		Deployer: NewDeployer(reposDir, runner, reporter, quietLogger()),
		reporter: reporter,
		syncer:   syncer,
	}
}

func equalStates(a, b []status.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeploy_Success(t *testing.T) {
	d := newTestDeployer(t, script("echo deployed"))

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", outcome)
	}

	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Success}) {
		t.Errorf("states = %v, want [pending success]", states)
	}
	if comments := d.reporter.Comments(); len(comments) != 0 {
		t.Errorf("comments = %v, want none", comments)
	}
	for _, rep := range d.reporter.Reports() {
		if rep.Repo != "acme/web" || rep.SHA != testSHA {
			t.Errorf("report addressed to %s@%s", rep.Repo, rep.SHA)
		}
	}
	if d.Locks.InFlight() != 0 {
		t.Error("lock should be released after the deploy")
	}
}

func TestDeploy_FilteredBranch(t *testing.T) {
	d := newTestDeployer(t, script("echo deployed"))

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/feature/x", testSHA, false))
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	if reports := d.reporter.Reports(); len(reports) != 0 {
		t.Errorf("reports = %+v, want none", reports)
	}
	if d.syncer.Calls() != 0 {
		t.Error("nothing should be synced for a filtered event")
	}
}

func TestDeploy_RepoDirMissing(t *testing.T) {
	d := newTestDeployer(t, script("echo deployed"))
	body := []byte(`{"ref": "refs/heads/main", "after": "` + testSHA + `", "repository": {"full_name": "acme/api", "name": "api"}}`)

	outcome := d.Deploy(context.Background(), body)
	if outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", outcome)
	}

	reports := d.reporter.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %+v, want a single status", reports)
	}
	if reports[0].State != status.Error || reports[0].Text != DescRepoNotFound {
		t.Errorf("report = %+v", reports[0])
	}
	if d.syncer.Calls() != 0 {
		t.Error("nothing should be synced when the repo directory is missing")
	}
	if d.Locks.InFlight() != 0 {
		t.Error("no lock should be held")
	}
}

func TestDeploy_NonZeroExit(t *testing.T) {
	d := newTestDeployer(t, script(`echo "build failed"; echo "syntax error line 4" >&2; exit 1`))

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))
	if outcome != OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", outcome)
	}

	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Failure}) {
		t.Errorf("states = %v, want [pending failure]", states)
	}

	reports := d.reporter.Reports()
	if got := reports[1].Text; got != "Deploy failed (exit 1)" {
		t.Errorf("failure description = %q", got)
	}

	comments := d.reporter.Comments()
	if len(comments) != 1 {
		t.Fatalf("comments = %v, want one", comments)
	}
	comment := comments[0]
	if !strings.Contains(comment, "```\n") {
		t.Errorf("comment should fence the output: %q", comment)
	}
	for _, line := range []string{"build failed", "syntax error line 4"} {
		if !strings.Contains(comment, line) {
			t.Errorf("comment missing %q: %q", line, comment)
		}
	}
}

func TestDeploy_FailureCommentKeepsLastLines(t *testing.T) {
	d := newTestDeployer(t, script(`i=1; while [ $i -le 30 ]; do echo "out $i"; i=$((i+1)); done; exit 1`))

	d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))

	comments := d.reporter.Comments()
	if len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
	if strings.Contains(comments[0], "out 10\n") || !strings.Contains(comments[0], "out 11\n") || !strings.Contains(comments[0], "out 30") {
		t.Errorf("comment should hold exactly lines 11..30: %q", comments[0])
	}
}

func TestDeploy_StartError(t *testing.T) {
	d := newTestDeployer(t, []string{"hookdeploy-missing-command-5a1f"})

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))
	if outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", outcome)
	}

	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Error}) {
		t.Errorf("states = %v, want [pending error]", states)
	}
	reports := d.reporter.Reports()
	if reports[1].Text != DescStartFailed {
		t.Errorf("description = %q", reports[1].Text)
	}
	comments := d.reporter.Comments()
	if len(comments) != 1 || !strings.Contains(comments[0], "hookdeploy-missing-command-5a1f") {
		t.Errorf("comments = %v, want the launch error", comments)
	}
}

func TestDeploy_SyncFailure(t *testing.T) {
	d := newTestDeployer(t, script("echo deployed"))
	d.syncer.err = &SyncError{
		Command: "git fetch origin " + testSHA,
		Output:  "fatal: remote error: upload-pack: not our ref",
		Err:     errors.New("exit status 128"),
	}

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))
	if outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", outcome)
	}

	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Error}) {
		t.Errorf("states = %v, want [pending error]", states)
	}
	if d.reporter.Reports()[1].Text != DescSyncFailed {
		t.Errorf("description = %q", d.reporter.Reports()[1].Text)
	}
	comments := d.reporter.Comments()
	if len(comments) != 1 || !strings.Contains(comments[0], "not our ref") {
		t.Errorf("comments = %v, want git output", comments)
	}
	if d.Locks.InFlight() != 0 {
		t.Error("lock should be released after a sync failure")
	}
}

func TestDeploy_MalformedPayload(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		d := newTestDeployer(t, script("echo deployed"))

		if outcome := d.Deploy(context.Background(), []byte("{not json")); outcome != OutcomeError {
			t.Fatalf("outcome = %s, want error", outcome)
		}
		reports := d.reporter.Reports()
		if len(reports) == 0 || reports[0].State != status.Error || reports[0].Text != DescInternal {
			t.Fatalf("reports = %+v", reports)
		}
		if reports[0].Repo != "" || reports[0].SHA != "" {
			t.Errorf("unparsable payload should report against empty identifiers, got %s@%s", reports[0].Repo, reports[0].SHA)
		}
	})

	t.Run("partially decodable", func(t *testing.T) {
		d := newTestDeployer(t, script("echo deployed"))
		body := []byte(`{"ref": ["refs/heads/main"], "after": "` + testSHA + `", "repository": {"full_name": "acme/web", "name": "web"}}`)

		if outcome := d.Deploy(context.Background(), body); outcome != OutcomeError {
			t.Fatalf("outcome = %s, want error", outcome)
		}
		reports := d.reporter.Reports()
		if len(reports) == 0 || reports[0].Repo != "acme/web" || reports[0].SHA != testSHA {
			t.Errorf("reports = %+v, want best-effort identifiers", reports)
		}
		if d.syncer.Calls() != 0 {
			t.Error("a malformed payload must not deploy")
		}
	})
}

func TestDeploy_PanicIsReported(t *testing.T) {
	d := newTestDeployer(t, script("echo deployed"))
	d.Runner.Syncer = panicSyncer{}

	outcome := d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))
	if outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", outcome)
	}

	states := d.reporter.States()
	if !equalStates(states, []status.State{status.Pending, status.Error}) {
		t.Errorf("states = %v, want [pending error]", states)
	}
	comments := d.reporter.Comments()
	if len(comments) != 1 || !strings.Contains(comments[0], "sync exploded") || !strings.Contains(comments[0], "goroutine") {
		t.Errorf("comment should carry the panic and stack: %v", comments)
	}
	if d.Locks.InFlight() != 0 {
		t.Error("lock should be released after a panic")
	}
}

type panicSyncer struct{}

func (panicSyncer) Sync(context.Context, string, string) error {
	panic("sync exploded")
}

func TestDeploy_BackgroundProcessReleasesLock(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "server.pid")
	t.Cleanup(func() {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				_ = proc.Kill()
			}
		}
	})
	// Restart scripts commonly leave a daemon holding stdout and stderr.
	d := newTestDeployer(t, script(`sleep 30 & echo $! > "`+pidFile+`"; echo restarted`))

	done := make(chan Outcome, 1)
	go func() { done <- d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false)) }()

	select {
	case outcome := <-done:
		if outcome != OutcomeSuccess {
			t.Errorf("outcome = %s, want success", outcome)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("deploy did not finish after the command exited")
	}

	if d.Locks.InFlight() != 0 {
		t.Error("lock should be released once the command exits")
	}
	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Success}) {
		t.Errorf("states = %v, want [pending success]", states)
	}
}

func TestDeploy_ConcurrentSameKey(t *testing.T) {
	release := filepath.Join(t.TempDir(), "release")
	d := newTestDeployer(t, script(`while [ ! -f "`+release+`" ]; do sleep 0.05; done`))
	body := pushPayload("refs/heads/main", testSHA, false)

	first := make(chan Outcome)
	go func() { first <- d.Deploy(context.Background(), body) }()

	deadline := time.Now().Add(5 * time.Second)
	for d.Locks.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first deploy never took the lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if outcome := d.Deploy(context.Background(), body); outcome != OutcomeBusy {
		t.Errorf("second outcome = %s, want busy", outcome)
	}
	waitForGauge(t, 1)

	if err := os.WriteFile(release, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if outcome := <-first; outcome != OutcomeSuccess {
		t.Errorf("first outcome = %s, want success", outcome)
	}

	waitForGauge(t, 0)

	if d.syncer.Calls() != 1 {
		t.Errorf("sync calls = %d, want 1", d.syncer.Calls())
	}
	if states := d.reporter.States(); !equalStates(states, []status.State{status.Pending, status.Success}) {
		t.Errorf("states = %v, want only the first deploy's [pending success]", states)
	}
}

// waitForGauge polls hookdeploy_deploys_in_flight until it reads want.
func waitForGauge(t *testing.T, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := -1.0
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			t.Fatal(err)
		}
		for _, mf := range families {
			if mf.GetName() == "hookdeploy_deploys_in_flight" && len(mf.GetMetric()) == 1 {
				got = mf.GetMetric()[0].GetGauge().GetValue()
			}
		}
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("in-flight gauge = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeploy_RedactsComments(t *testing.T) {
	d := newTestDeployer(t, script(`echo "token is ghp_supersecret"; exit 1`))
	d.Redact = []string{"ghp_supersecret"}

	d.Deploy(context.Background(), pushPayload("refs/heads/main", testSHA, false))

	comments := d.reporter.Comments()
	if len(comments) != 1 {
		t.Fatalf("comments = %v", comments)
	}
	if strings.Contains(comments[0], "ghp_supersecret") {
		t.Errorf("comment leaks a secret: %q", comments[0])
	}
}

func TestFenced(t *testing.T) {
	if got := fenced("a\nb\n"); got != "```\na\nb\n```" {
		t.Errorf("fenced() = %q", got)
	}
	if got := fenced("see ```code```"); !strings.HasPrefix(got, "````\n") {
		t.Errorf("fence should outgrow inner backticks: %q", got)
	}
}

func TestDeploy_RejectsInjectedIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"repo traversal", `{"ref":"refs/heads/main","after":"` + testSHA + `","repository":{"full_name":"acme/..","name":".."}}`},
		{"repo with slash", `{"ref":"refs/heads/main","after":"` + testSHA + `","repository":{"full_name":"acme/web","name":"../web"}}`},
		{"repo shell chars", `{"ref":"refs/heads/main","after":"` + testSHA + `","repository":{"full_name":"acme/web","name":"web;id"}}`},
		{"sha option", `{"ref":"refs/heads/main","after":"--upload-pack=id","repository":{"full_name":"acme/web","name":"web"}}`},
		{"sha substitution", `{"ref":"refs/heads/main","after":"$(id)","repository":{"full_name":"acme/web","name":"web"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeployer(t, script("echo deployed"))

			if outcome := d.Deploy(context.Background(), []byte(tt.body)); outcome != OutcomeSkipped {
				t.Errorf("outcome = %s, want skipped", outcome)
			}
			if d.syncer.Calls() != 0 || len(d.reporter.Reports()) != 0 {
				t.Error("an unsafe identifier must not reach git or the reporter")
			}
		})
	}
}
