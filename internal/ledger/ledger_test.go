package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"github.com/google/go-cmp/cmp"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func rec(v string) types.Record {
	return types.NewRecord(types.Field{Name: "email", Value: v})
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// ============================================================================
// Recording Tests
// ============================================================================

func TestRecordOutcomes(t *testing.T) {
	l := New()

	assertNoError(t, l.RecordSuccess(0, rec("a"), 1))
	assertNoError(t, l.RecordFailure(1, rec("b"), "Email invalid", 3))
	assertNoError(t, l.RecordSuccess(2, rec("c"), 1))

	got := l.Stats()
	want := Stats{Succeeded: 2, Failed: 1, Retries: 2, Processed: 3}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
	if !l.IsDecided(1) || l.IsDecided(3) {
		t.Errorf("IsDecided mismatch")
	}
}

func TestRetriesFollowDecidedAttempts(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordSuccess(0, rec("a"), 2))
	assertNoError(t, l.RecordFailure(2, rec("c"), "busy", 4))

	// a rejected second decision must not count its attempts
	assertError(t, l.RecordSuccess(2, rec("c"), 5), ErrAlreadyDecided)

	if got := l.Stats().Retries; got != 4 {
		t.Errorf("Retries = %d, want 4", got)
	}
}

func TestRecordTwiceRejected(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordSuccess(0, rec("a"), 1))

	assertError(t, l.RecordSuccess(0, rec("a"), 1), ErrAlreadyDecided)
	assertError(t, l.RecordFailure(0, rec("a"), "x", 2), ErrAlreadyDecided)

	if got := l.Stats().Processed; got != 1 {
		t.Errorf("Processed = %d, want 1", got)
	}
}

func TestRecordOutOfOrderRejected(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordSuccess(5, rec("a"), 1))
	assertError(t, l.RecordSuccess(3, rec("b"), 1), ErrOutOfOrder)

	// skipping forward is allowed (resume after an abandoned record)
	assertNoError(t, l.RecordSuccess(7, rec("c"), 1))
}

// ============================================================================
// Snapshot / Restore Tests
// ============================================================================

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordSuccess(0, rec("a"), 1))

	snap := l.Snapshot()
	snap.Successful[0].Record.Fields[0].Value = "mutated"
	snap.Successful = append(snap.Successful, types.SuccessEntry{Index: 9})

	again := l.Snapshot()
	if v, _ := again.Successful[0].Record.Get("email"); v != "a" {
		t.Errorf("snapshot aliasing: got %q", v)
	}
	if len(again.Successful) != 1 {
		t.Errorf("len(Successful) = %d, want 1", len(again.Successful))
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordFailure(0, rec("a"), "boom", 2))
	assertNoError(t, l.RecordSuccess(1, rec("b"), 1))
	want := l.Snapshot()

	other := New()
	assertNoError(t, other.Restore(want))
	if diff := cmp.Diff(want, other.Snapshot()); diff != "" {
		t.Errorf("restored result mismatch (-want +got):\n%s", diff)
	}

	// restored ledger keeps enforcing the invariants
	assertError(t, other.RecordSuccess(1, rec("b"), 1), ErrAlreadyDecided)
	assertNoError(t, other.RecordSuccess(2, rec("c"), 1))
}

func TestRestoreDerivesRetries(t *testing.T) {
	l := New()
	assertNoError(t, l.Restore(types.RunResult{
		Successful: []types.SuccessEntry{{Index: 0, Record: rec("a"), AttemptCount: 3}},
		Retries:    7,
	}))
	if got := l.Stats().Retries; got != 2 {
		t.Errorf("Retries = %d, want 2 derived from attempt counts", got)
	}
}

func TestRestoreRejectsDuplicates(t *testing.T) {
	l := New()
	bad := types.RunResult{
		Successful: []types.SuccessEntry{{Index: 1, AttemptCount: 1}},
		Failed:     []types.FailureEntry{{Index: 1, AttemptCount: 2}},
	}
	assertError(t, l.Restore(bad), ErrAlreadyDecided)
}

func TestReset(t *testing.T) {
	l := New()
	assertNoError(t, l.RecordSuccess(0, rec("a"), 3))
	l.Reset()

	if got := l.Stats(); got != (Stats{}) {
		t.Errorf("Stats() after Reset = %+v", got)
	}
	assertNoError(t, l.RecordSuccess(0, rec("a"), 1))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentReadsDuringWrites(t *testing.T) {
	l := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if err := l.RecordSuccess(i, rec("x"), 1); err != nil {
				t.Errorf("RecordSuccess(%d): %v", i, err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s := l.Stats()
				if s.Succeeded+s.Failed != s.Processed {
					t.Errorf("inconsistent stats %+v", s)
					return
				}
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := l.Stats().Processed; got != 500 {
		t.Errorf("Processed = %d, want 500", got)
	}
}
