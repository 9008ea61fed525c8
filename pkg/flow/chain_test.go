package flow

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records step and rollback invocations across goroutines.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func recorded(j *journal, name string, fail error) Step {
	return Step{
		Name: name,
		Run: func(t *Trigger, data Data) {
			j.add("run:" + name)
			if fail != nil {
				t.Fail(fail)
				return
			}
			t.Next()
		},
		Rollback: func(rt *RollbackTrigger, data Data) {
			j.add("rollback:" + name)
			rt.Rollback()
		},
	}
}

func TestChain_SuccessRunsStepsInOrder(t *testing.T) {
	j := &journal{}
	var handled []string

	c := New("ok").
		Then(recorded(j, "s1", nil)).
		Then(recorded(j, "s2", nil)).
		Then(recorded(j, "s3", nil)).
		Done(func(Data) { handled = append(handled, "done") }).
		Error(func(error, Data) { handled = append(handled, "error") }).
		Finally(func() { handled = append(handled, "finally") })

	require.NoError(t, c.Await())
	assert.Equal(t, []string{"run:s1", "run:s2", "run:s3"}, j.list())
	assert.Equal(t, []string{"done", "finally"}, handled)
	assert.Equal(t, Done, c.State())
}

func TestChain_FailureRollsBackInReverse(t *testing.T) {
	j := &journal{}
	boom := stderrors.New("boom")
	var gotErr error
	errorCalls := 0

	c := New("three").
		Then(recorded(j, "s1", nil)).
		Then(recorded(j, "s2", boom)).
		Then(recorded(j, "s3", nil)).
		Done(func(Data) { t.Fatal("done handler on failure") }).
		Error(func(err error, _ Data) {
			errorCalls++
			gotErr = err
			// Rollback has fully completed by the time the handler runs.
			assert.Contains(t, j.list(), "rollback:s1")
		})

	err := c.Await()
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, 1, errorCalls)
	assert.Equal(t, []string{"run:s1", "run:s2", "rollback:s2", "rollback:s1"}, j.list())
	assert.Equal(t, RolledBack, c.State())
}

func TestChain_StepsWithoutRollbackAreSkipped(t *testing.T) {
	j := &journal{}
	c := New("mixed").
		Then(recorded(j, "s1", nil)).
		Then(NoRollback("check", func(t *Trigger, data Data) {
			j.add("run:check")
			t.Next()
		})).
		Then(NoRollback("broken", func(t *Trigger, data Data) {
			t.Fail(stderrors.New("nope"))
		}))

	require.Error(t, c.Await())
	assert.Equal(t, []string{"run:s1", "run:check", "rollback:s1"}, j.list())
}

func TestChain_BestEffortNeverAborts(t *testing.T) {
	j := &journal{}
	c := New("best-effort").
		Then(BestEffort("cosmetic", func(Data) error { return stderrors.New("ignored") })).
		Then(recorded(j, "s2", nil))

	require.NoError(t, c.Await())
	assert.Equal(t, []string{"run:s2"}, j.list())
}

func TestChain_DataIsSharedBetweenSteps(t *testing.T) {
	c := New("data").
		Then(NoRollback("put", func(t *Trigger, data Data) {
			data["vm"] = "vm-1"
			t.Next()
		})).
		Then(NoRollback("get", func(t *Trigger, data Data) {
			data["seen"] = data["vm"]
			t.Next()
		}))

	require.NoError(t, c.Await())
	assert.Equal(t, "vm-1", c.Data()["seen"])
}

func TestChain_PanicBecomesFailure(t *testing.T) {
	j := &journal{}
	c := New("panics").
		Then(recorded(j, "s1", nil)).
		Then(NoRollback("explodes", func(*Trigger, Data) { panic("kaboom") }))

	err := c.Await()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStepPanicked))
	assert.Equal(t, []string{"run:s1", "rollback:s1"}, j.list())
}

// awaitWithin runs c.Await and fails the test if it does not return in time.
func awaitWithin(t *testing.T, c *Chain, d time.Duration) error {
	t.Helper()
	res := make(chan error, 1)
	go func() { res <- c.Await() }()
	select {
	case err := <-res:
		return err
	case <-time.After(d):
		t.Fatalf("chain %s still awaiting after %s, state %s", c.Name(), d, c.State())
		return nil
	}
}

func TestChain_PanickingDoneHandler(t *testing.T) {
	j := &journal{}
	finally := false
	c := New("done-panics").
		Then(recorded(j, "s1", nil)).
		Done(func(Data) { panic("done exploded") }).
		Finally(func() { finally = true })

	require.NoError(t, awaitWithin(t, c, 2*time.Second))
	assert.Equal(t, Done, c.State())
	assert.True(t, finally)
	// The step that already succeeded is not rolled back for a handler panic.
	assert.Equal(t, []string{"run:s1"}, j.list())
}

func TestChain_PanickingErrorHandler(t *testing.T) {
	j := &journal{}
	boom := stderrors.New("boom")
	c := New("error-panics").
		Then(recorded(j, "s1", nil)).
		Then(recorded(j, "s2", boom)).
		Error(func(error, Data) { panic("error exploded") })

	err := awaitWithin(t, c, 2*time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, RolledBack, c.State())
	assert.Equal(t, []string{"run:s1", "run:s2", "rollback:s2", "rollback:s1"}, j.list())
}

func TestChain_RollbackPanicDoesNotStopTheWalk(t *testing.T) {
	j := &journal{}
	c := New("rollback-panics").
		Then(recorded(j, "s1", nil)).
		Then(Step{
			Name:     "s2",
			Run:      func(t *Trigger, _ Data) { t.Next() },
			Rollback: func(*RollbackTrigger, Data) { panic("rollback exploded") },
		}).
		Then(recorded(j, "s3", stderrors.New("fail")))

	require.Error(t, c.Await())
	assert.Equal(t, []string{"run:s1", "run:s3", "rollback:s3", "rollback:s1"}, j.list())
	assert.Error(t, c.RollbackErrors())
}

func TestChain_TriggersFireOnce(t *testing.T) {
	j := &journal{}
	var trig *Trigger
	c := New("twice").
		Then(NoRollback("s1", func(t *Trigger, _ Data) {
			trig = t
			t.Next()
		})).
		Then(recorded(j, "s2", nil))

	require.NoError(t, c.Await())
	trig.Next()
	trig.Fail(stderrors.New("late"))
	assert.Equal(t, []string{"run:s2"}, j.list())
	assert.Equal(t, Done, c.State())
}

func TestChain_AsyncTriggers(t *testing.T) {
	j := &journal{}
	async := func(name string, fail error) Step {
		return Step{
			Name: name,
			Run: func(t *Trigger, _ Data) {
				go func() {
					time.Sleep(5 * time.Millisecond)
					j.add("run:" + name)
					if fail != nil {
						t.Fail(fail)
						return
					}
					t.Next()
				}()
			},
			Rollback: func(rt *RollbackTrigger, _ Data) {
				go func() {
					j.add("rollback:" + name)
					rt.Rollback()
				}()
			},
		}
	}

	c := New("async").
		Then(async("a", nil)).
		Then(async("b", nil)).
		Then(async("c", stderrors.New("remote failure")))

	require.Error(t, c.Await())
	assert.Equal(t, []string{"run:a", "run:b", "run:c", "rollback:c", "rollback:b", "rollback:a"}, j.list())
}

func TestChain_StartTwiceIsNoop(t *testing.T) {
	j := &journal{}
	c := New("once").Then(recorded(j, "s1", nil))
	require.NoError(t, c.Await())
	c.Start()
	assert.Equal(t, []string{"run:s1"}, j.list())
}

func TestChain_EmptyChainCompletes(t *testing.T) {
	require.NoError(t, New("empty").Await())
}

func TestNested_FailureInsideRollsBackBothLevels(t *testing.T) {
	j := &journal{}
	c := New("outer").
		Then(recorded(j, "o1", nil)).
		Then(Nested("inner", func(sub *Chain) {
			sub.Then(recorded(j, "i1", nil)).
				Then(recorded(j, "i2", stderrors.New("inner failure")))
		})).
		Then(recorded(j, "o3", nil))

	err := c.Await()
	require.EqualError(t, err, "inner failure")
	assert.Equal(t, []string{
		"run:o1", "run:i1", "run:i2",
		"rollback:i2", "rollback:i1",
		"rollback:o1",
	}, j.list())
}

func TestNested_LaterOuterFailureUnwindsInnerSteps(t *testing.T) {
	j := &journal{}
	c := New("outer").
		Then(recorded(j, "o1", nil)).
		Then(Nested("inner", func(sub *Chain) {
			sub.Then(recorded(j, "i1", nil)).
				Then(NoRollback("i-check", func(t *Trigger, _ Data) { t.Next() })).
				Then(recorded(j, "i2", nil))
		})).
		Then(recorded(j, "o3", stderrors.New("outer failure")))

	require.Error(t, c.Await())
	assert.Equal(t, []string{
		"run:o1", "run:i1", "run:i2", "run:o3",
		"rollback:o3", "rollback:i2", "rollback:i1", "rollback:o1",
	}, j.list())
}

func TestNested_SharesData(t *testing.T) {
	c := New("outer").
		Then(NoRollback("seed", func(t *Trigger, d Data) { d["n"] = 1; t.Next() })).
		Then(Nested("inner", func(sub *Chain) {
			sub.Then(NoRollback("inc", func(t *Trigger, d Data) { d["n"] = d["n"].(int) + 1; t.Next() }))
		}))

	require.NoError(t, c.Await())
	assert.Equal(t, 2, c.Data()["n"])
}

func TestChain_UnwindIsIdempotent(t *testing.T) {
	j := &journal{}
	c := New("unwind").Then(recorded(j, "s1", nil))
	require.NoError(t, c.Await())

	calls := 0
	c.Unwind(func() { calls++ })
	c.Unwind(func() { calls++ })
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"run:s1", "rollback:s1"}, j.list())
	assert.Equal(t, RolledBack, c.State())
}
