package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cycleline/internal/config"
	"cycleline/internal/db"
	"cycleline/internal/domain"
	"cycleline/internal/engine"
	"cycleline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("cycle-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "2024 annual cycle", "boss"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newReport(t *testing.T, env testEnv) domain.Report {
	t.Helper()
	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		CycleID:  "cycle-1",
		Name:     "FR Y-14A",
		LOB:      "capital",
		TesterID: "tess",
		OwnerID:  "owen",
		ActorID:  "boss",
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func countEvents(t *testing.T, env testEnv, evtType string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=?`, evtType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestActivityTransitions(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	opts := engine.ActivityOptions{
		CycleID:      "cycle-1",
		ReportID:     rep.ID,
		PhaseName:    "planning",
		ActivityName: "define_test_scope",
		ActorID:      "tess",
	}
	a, err := env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityInProgress)
	if err != nil || a.State != domain.ActivityInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	a, err = env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityCompleted)
	if err != nil || a.State != domain.ActivityCompleted {
		t.Fatalf("to completed: %v", err)
	}
	if a.CompletedAt == "" {
		t.Fatalf("expected completed_at stamp")
	}
	// completed is terminal for the normal edge set
	_, err = env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityInProgress)
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	// pending cannot jump straight to completed
	opts.ActivityName = "identify_stakeholders"
	_, err = env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityCompleted)
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition for skip, got %v", err)
	}
}

func TestActivityResetRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	opts := engine.ActivityOptions{
		CycleID:      "cycle-1",
		ReportID:     rep.ID,
		PhaseName:    "planning",
		ActivityName: "define_test_scope",
		ActorID:      "tess",
	}
	if _, err := env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResetActivity(env.Ctx, opts); err == nil {
		t.Fatalf("expected non-admin reset to fail")
	}
	opts.ActorID = "boss"
	a, err := env.Engine.ResetActivity(env.Ctx, opts)
	if err != nil {
		t.Fatalf("admin reset: %v", err)
	}
	if a.State != domain.ActivityPending || a.StartedAt != "" || a.CompletedAt != "" {
		t.Fatalf("expected cleared pending activity, got %+v", a)
	}
	// resetting a pending activity is a quiet no-op
	before := countEvents(t, env, "activity.reset")
	if _, err := env.Engine.ResetActivity(env.Ctx, opts); err != nil {
		t.Fatalf("idempotent reset: %v", err)
	}
	if countEvents(t, env, "activity.reset") != before {
		t.Fatalf("expected no event for no-op reset")
	}
}

func TestCompleteActivityFromJobIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	opts := engine.ActivityOptions{
		CycleID:      "cycle-1",
		ReportID:     rep.ID,
		PhaseName:    "data_profiling",
		ActivityName: "execute_profiling",
		ActorID:      "job-runner",
	}
	a, err := env.Engine.CompleteActivityFromJob(env.Ctx, opts, "job-42")
	if err != nil || a.State != domain.ActivityCompleted {
		t.Fatalf("job complete: %v", err)
	}
	if a.StartedAt == "" {
		t.Fatalf("expected started_at backfill")
	}
	a, err = env.Engine.CompleteActivityFromJob(env.Ctx, opts, "job-42")
	if err != nil || a.State != domain.ActivityCompleted {
		t.Fatalf("redelivered job signal: %v", err)
	}
	if countEvents(t, env, "activity.job_completed") != 1 {
		t.Fatalf("expected exactly one job_completed event")
	}
}

func TestDuplicateActiveAssignment(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	first, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "request_info",
		ToUser:         "tess",
		Title:          "Provide Q3 source extracts",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "request_info",
		ToUser:         "owen",
		Title:          "Provide Q3 source extracts again",
		ActorID:        "boss",
	})
	var dup *domain.DuplicateActiveAssignmentError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if dup.ExistingID != first.ID {
		t.Fatalf("expected existing id %s, got %s", first.ID, dup.ExistingID)
	}
	// a different phase is a different scope
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "testing",
		ToUser:         "tess",
		Title:          "Provide testing evidence",
		ActorID:        "boss",
	}); err != nil {
		t.Fatalf("different scope should not collide: %v", err)
	}
	// completing the first frees the scope
	if _, err := env.Engine.CompleteAssignment(env.Ctx, engine.AssignmentActionOptions{ID: first.ID, ActorID: "tess"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "request_info",
		ToUser:         "tess",
		Title:          "Follow-up request",
		ActorID:        "boss",
	}); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
}

func TestAssignmentLifecycleIdempotentComplete(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "data_upload_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "request_info",
		ToUser:         "dana",
		Title:          "Upload general ledger extract",
		ContextJSON:    `{"source":"gl"}`,
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 1 || a.Revision != 1 {
		t.Fatalf("unexpected initial counters: %+v", a)
	}
	a, err = env.Engine.AcknowledgeAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "dana"})
	if err != nil || a.Status != domain.AssignmentAcknowledged {
		t.Fatalf("acknowledge: %v", err)
	}
	a, err = env.Engine.StartAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "dana"})
	if err != nil || a.Status != domain.AssignmentInProgress {
		t.Fatalf("start: %v", err)
	}
	a, err = env.Engine.CompleteAssignment(env.Ctx, engine.AssignmentActionOptions{
		ID:             a.ID,
		ActorID:        "dana",
		Notes:          "uploaded to shared drive",
		ContextUpdates: `{"rows":120000}`,
	})
	if err != nil || a.Status != domain.AssignmentCompleted {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(a.ContextJSON, `"rows":120000`) || !strings.Contains(a.ContextJSON, `"source":"gl"`) {
		t.Fatalf("expected merged context, got %s", a.ContextJSON)
	}
	version := a.Version
	// re-completing applies nothing and writes no event
	again, err := env.Engine.CompleteAssignment(env.Ctx, engine.AssignmentActionOptions{
		ID:             a.ID,
		ActorID:        "dana",
		ContextUpdates: `{"rows":999}`,
	})
	if err != nil {
		t.Fatalf("idempotent complete: %v", err)
	}
	if again.Version != version || !strings.Contains(again.ContextJSON, `"rows":120000`) {
		t.Fatalf("expected unchanged assignment, got %+v", again)
	}
	if countEvents(t, env, "assignment.completed") != 1 {
		t.Fatalf("expected exactly one completed event")
	}
	// completed is not reopenable through the lifecycle
	_, err = env.Engine.StartAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "dana"})
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConcurrentCompleteAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "data_upload_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "request_info",
		ToUser:         "dana",
		Title:          "Upload trial balance",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	started, err := env.Engine.StartAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "dana"})
	if err != nil {
		t.Fatal(err)
	}
	// two sessions race to complete; both must succeed and converge on one
	// final state with the context applied exactly once
	release := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-release
			_, err := env.Engine.CompleteAssignment(env.Ctx, engine.AssignmentActionOptions{
				ID:             a.ID,
				ActorID:        "dana",
				ContextUpdates: `{"rows":1}`,
			})
			errs <- err
		}()
	}
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent complete: %v", err)
		}
	}
	final, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.AssignmentCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Version != started.Version+1 {
		t.Fatalf("expected a single version bump from %d, got %d", started.Version, final.Version)
	}
	if !strings.Contains(final.ContextJSON, `"rows":1`) {
		t.Fatalf("expected context applied, got %s", final.ContextJSON)
	}
	if countEvents(t, env, "assignment.completed") != 1 {
		t.Fatalf("expected exactly one completed event")
	}
}

func TestConcurrentCreateSingleActive(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	const workers = 4
	release := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			<-release
			_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
				AssignmentType: "information_request",
				CycleID:        "cycle-1",
				ReportID:       rep.ID,
				PhaseName:      "request_info",
				ToUser:         "tess",
				Title:          "Provide source extracts",
				ActorID:        "boss",
			})
			errs <- err
		}()
	}
	close(release)
	var ok, dup int
	for i := 0; i < workers; i++ {
		err := <-errs
		var dupErr *domain.DuplicateActiveAssignmentError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &dupErr):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != workers-1 {
		t.Fatalf("expected one winner per scope, got ok=%d dup=%d", ok, dup)
	}
	var rows int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM assignments WHERE assignment_type='information_request' AND report_id=? AND phase_name='request_info'`,
		rep.ID).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("expected a single assignment row for the scope, got %d", rows)
	}
}

func TestAssignmentStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		ToUser:         "tess",
		Title:          "Answer methodology question",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	wrong := int64(99)
	_, err = env.Engine.AcknowledgeAssignment(env.Ctx, engine.AssignmentActionOptions{
		ID:              a.ID,
		ActorID:         "tess",
		ExpectedVersion: &wrong,
	})
	var stale *domain.StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("expected stale state error, got %v", err)
	}
	if stale.Actual != a.Version {
		t.Fatalf("expected actual version %d, got %d", a.Version, stale.Actual)
	}
	right := a.Version
	if _, err := env.Engine.AcknowledgeAssignment(env.Ctx, engine.AssignmentActionOptions{
		ID:              a.ID,
		ActorID:         "tess",
		ExpectedVersion: &right,
	}); err != nil {
		t.Fatalf("acknowledge with matching version: %v", err)
	}
}

func TestAssignmentAddressing(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "phase_review",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "testing",
		ToRole:         domain.RoleTester,
		Title:          "Review testing deliverables",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	// a bystander without the role is rejected
	_, err = env.Engine.AcknowledgeAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "randy"})
	var notAssigned *domain.NotAssignedToUserError
	if !errors.As(err, &notAssigned) {
		t.Fatalf("expected not-assigned error, got %v", err)
	}
	// the report's staffed tester satisfies a tester-role address
	if _, err := env.Engine.AcknowledgeAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "tess"}); err != nil {
		t.Fatalf("staffed tester should pass: %v", err)
	}
	// cancel is restricted to the creator or an admin
	if _, err := env.Engine.CancelAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "tess"}); err == nil {
		t.Fatalf("expected addressee cancel to fail")
	}
	if _, err := env.Engine.CancelAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "boss"}); err != nil {
		t.Fatalf("creator cancel: %v", err)
	}
}

func TestAssignmentEscalateAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		AssignmentType: "information_request",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		ToUser:         "tess",
		Title:          "Stalled request",
		ActorID:        "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EscalateAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "tess"}); err == nil {
		t.Fatalf("expected non-admin escalate to fail")
	}
	esc, err := env.Engine.EscalateAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "boss"})
	if err != nil || esc.Status != domain.AssignmentEscalated {
		t.Fatalf("admin escalate: %v", err)
	}
	// escalated is terminal; the replacement is a fresh assignment
	if _, err := env.Engine.StartAssignment(env.Ctx, engine.AssignmentActionOptions{ID: a.ID, ActorID: "tess"}); err == nil {
		t.Fatalf("expected terminal escalated to reject transitions")
	}
}

func itemByKey(t *testing.T, ap engine.Approval, key string) domain.ApprovalItem {
	t.Helper()
	for _, it := range ap.Items {
		if it.ItemKey == key {
			return it
		}
	}
	t.Fatalf("item %s not found", key)
	return domain.ApprovalItem{}
}

func TestApprovalRevisionFlow(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	ap, err := env.Engine.SubmitForApproval(env.Ctx, engine.SubmitForApprovalOptions{
		AssignmentType: "rule_approval",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "data_profiling",
		Title:          "Approve profiling rules",
		Items: []engine.ApprovalItemInput{
			{Key: "rule-1", Description: "completeness"},
			{Key: "rule-2", Description: "accuracy"},
			{Key: "rule-3", Description: "timeliness"},
		},
		ActorID: "tess",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ap.Items) != 3 || ap.AllDecided {
		t.Fatalf("expected 3 pending items, got %+v", ap)
	}
	assignmentID := ap.Assignment.ID

	// resubmitting the same items while active reuses the assignment
	ap2, err := env.Engine.SubmitForApproval(env.Ctx, engine.SubmitForApprovalOptions{
		AssignmentType: "rule_approval",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "data_profiling",
		Items: []engine.ApprovalItemInput{
			{Key: "rule-3"},
			{Key: "rule-4", Description: "validity"},
		},
		ActorID: "tess",
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if ap2.Assignment.ID != assignmentID || len(ap2.Items) != 4 {
		t.Fatalf("expected same assignment with 4 items, got %+v", ap2)
	}

	// owen addresses the report_owner default role through report staffing
	decide := func(key, decision string) engine.Approval {
		t.Helper()
		it := itemByKey(t, ap2, key)
		res, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
			AssignmentID: assignmentID,
			ItemID:       it.ID,
			Decision:     decision,
			ActorID:      "owen",
		})
		if err != nil {
			t.Fatalf("decide %s: %v", key, err)
		}
		return res
	}
	decide("rule-1", domain.DecisionApproved)
	decide("rule-2", domain.DecisionApproved)
	decide("rule-3", domain.DecisionApproved)
	res := decide("rule-4", domain.DecisionNeedsRevision)
	if !res.AllDecided || res.AllApproved {
		t.Fatalf("expected decided-but-not-approved, got %+v", res)
	}
	if res.Assignment.Status == domain.AssignmentApproved || res.Assignment.Status == domain.AssignmentRejected {
		t.Fatalf("needs_revision must not resolve the assignment, got %s", res.Assignment.Status)
	}

	// revision round: same assignment, bumped counter, reopened item
	re, err := env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{
		AssignmentID: assignmentID,
		ActorID:      "tess",
		Comments:     "reworked the validity rule",
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if re.Assignment.ID != assignmentID || re.Assignment.Revision != 2 {
		t.Fatalf("expected revision 2 on same assignment, got %+v", re.Assignment)
	}
	if itemByKey(t, re, "rule-4").Decision != domain.DecisionPending {
		t.Fatalf("expected reopened item to be pending")
	}
	if itemByKey(t, re, "rule-1").Decision != domain.DecisionApproved {
		t.Fatalf("approved items must survive resubmission")
	}

	// final round approves everything and resolves the assignment
	ap2 = re
	final := decide("rule-4", domain.DecisionApproved)
	if !final.AllApproved || final.Assignment.Status != domain.AssignmentApproved {
		t.Fatalf("expected approved resolution, got %+v", final.Assignment)
	}
	if countEvents(t, env, "assignment.approved") != 1 {
		t.Fatalf("expected one approved event")
	}

	// nothing left to resubmit
	if _, err := env.Engine.Resubmit(env.Ctx, engine.ResubmitOptions{AssignmentID: assignmentID, ActorID: "tess"}); err == nil {
		t.Fatalf("expected resubmit on resolved approval to fail")
	}
}

func TestApprovalRejection(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	ap, err := env.Engine.SubmitForApproval(env.Ctx, engine.SubmitForApprovalOptions{
		AssignmentType: "sample_approval",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "sample_selection",
		Items: []engine.ApprovalItemInput{
			{Key: "sample-a"},
			{Key: "sample-b"},
		},
		ActorID: "tess",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssignmentID: ap.Assignment.ID,
		ItemID:       itemByKey(t, ap, "sample-a").ID,
		Decision:     domain.DecisionApproved,
		ActorID:      "owen",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssignmentID: ap.Assignment.ID,
		ItemID:       itemByKey(t, ap, "sample-b").ID,
		Decision:     domain.DecisionRejected,
		Comments:     "sample not representative",
		ActorID:      "owen",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Assignment.Status != domain.AssignmentRejected {
		t.Fatalf("expected rejected resolution, got %s", res.Assignment.Status)
	}
	// terminal assignments take no further decisions
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssignmentID: ap.Assignment.ID,
		ItemID:       itemByKey(t, ap, "sample-a").ID,
		Decision:     domain.DecisionApproved,
		ActorID:      "owen",
	}); err == nil {
		t.Fatalf("expected decide on terminal assignment to fail")
	}
}

func TestPhaseStatusDerivation(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)

	res, err := env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "planning")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != domain.PhaseNotStarted || res.CompletionPercent != 0 {
		t.Fatalf("expected fresh not_started phase, got %+v", res)
	}

	if _, err := env.Engine.StartPhase(env.Ctx, engine.PhaseActionOptions{
		CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "planning", ActorID: "tess",
	}); err != nil {
		t.Fatalf("start phase: %v", err)
	}
	res, _ = env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "planning")
	if res.Status != domain.PhaseInProgress {
		t.Fatalf("expected in_progress, got %s", res.Status)
	}
	if res.Phase.PlannedEndDate == "" {
		t.Fatalf("expected planned end date from template duration")
	}

	// inside the 72h risk window before the planned end
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC) }
	res, _ = env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "planning")
	if res.Status != domain.PhaseAtRisk {
		t.Fatalf("expected at_risk, got %s", res.Status)
	}

	// past the planned end
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC) }
	res, _ = env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "planning")
	if res.Status != domain.PhaseOffTrack {
		t.Fatalf("expected off_track, got %s", res.Status)
	}

	// completing every required activity makes the phase complete even late
	for _, name := range []string{"define_test_scope", "identify_stakeholders", "approve_test_plan"} {
		opts := engine.ActivityOptions{
			CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "planning",
			ActivityName: name, ActorID: "tess",
		}
		if _, err := env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityInProgress); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.TransitionActivity(env.Ctx, opts, domain.ActivityCompleted); err != nil {
			t.Fatal(err)
		}
	}
	res, _ = env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "planning")
	if res.Status != domain.PhaseComplete || res.CompletionPercent != 100 {
		t.Fatalf("expected complete at 100%%, got %+v", res)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseActionOptions{
		CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "planning", ActorID: "tess",
	}); err != nil {
		t.Fatalf("complete phase: %v", err)
	}
}

func TestCompletePhaseNotReady(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	_, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseActionOptions{
		CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "data_profiling", ActorID: "tess",
	})
	var notReady *domain.PhaseNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected phase-not-ready error, got %v", err)
	}
	if len(notReady.MissingActivities) != 3 {
		t.Fatalf("expected 3 missing activities, got %v", notReady.MissingActivities)
	}
	if len(notReady.MissingApprovals) != 1 || notReady.MissingApprovals[0] != "rule_approval" {
		t.Fatalf("expected missing rule_approval gate, got %v", notReady.MissingApprovals)
	}
}

func TestPhaseGateBlocksUntilApproved(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	for _, name := range []string{"generate_profiling_rules", "review_profiling_rules", "execute_profiling"} {
		opts := engine.ActivityOptions{
			CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "data_profiling",
			ActivityName: name, ActorID: "tess",
		}
		if _, err := env.Engine.CompleteActivityFromJob(env.Ctx, opts, "job-"+name); err != nil {
			t.Fatal(err)
		}
	}
	res, err := env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "data_profiling")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == domain.PhaseComplete {
		t.Fatalf("gate must keep the phase open")
	}
	if res.CompletionPercent != 100 {
		t.Fatalf("activities are all done, got %d%%", res.CompletionPercent)
	}

	ap, err := env.Engine.SubmitForApproval(env.Ctx, engine.SubmitForApprovalOptions{
		AssignmentType: "rule_approval",
		CycleID:        "cycle-1",
		ReportID:       rep.ID,
		PhaseName:      "data_profiling",
		Items:          []engine.ApprovalItemInput{{Key: "ruleset-v1"}},
		ActorID:        "tess",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssignmentID: ap.Assignment.ID,
		ItemID:       ap.Items[0].ID,
		Decision:     domain.DecisionApproved,
		ActorID:      "owen",
	}); err != nil {
		t.Fatal(err)
	}

	res, err = env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "data_profiling")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.PhaseComplete {
		t.Fatalf("expected complete after gate approval, got %s", res.Status)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, engine.PhaseActionOptions{
		CycleID: "cycle-1", ReportID: rep.ID, PhaseName: "data_profiling", ActorID: "tess",
	}); err != nil {
		t.Fatalf("complete phase: %v", err)
	}
}

func TestLazyPhaseInstantiation(t *testing.T) {
	env := newTestEnv(t)
	rep := newReport(t, env)
	res, err := env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "scoping")
	if err != nil {
		t.Fatalf("status on untouched phase: %v", err)
	}
	if len(res.Activities) != 3 {
		t.Fatalf("expected 3 template activities, got %d", len(res.Activities))
	}
	if _, err := env.Engine.PhaseStatus(env.Ctx, "cycle-1", rep.ID, "not_a_phase"); err == nil {
		t.Fatalf("expected unknown phase to error")
	}
}

func TestRoleChangesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "tess", domain.RoleTester, "tess"); err == nil {
		t.Fatalf("expected self-grant by non-admin to fail")
	}
	if err := env.Engine.GrantRole(env.Ctx, "tess", domain.RoleTester, "boss"); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	roles, err := env.Engine.Repo.UserRoles(env.Ctx, "tess")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != domain.RoleTester {
		t.Fatalf("expected tester role, got %v", roles)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "tess", domain.RoleTester, "boss"); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, "tess", "emperor", "boss"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}
