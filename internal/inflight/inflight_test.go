package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	g := New[string]()
	if g == nil {
		t.Fatal("New() returned nil")
	}
	if g.m == nil {
		t.Error("New() did not initialize map")
	}
}

func TestDo(t *testing.T) {
	g := New[string]()

	val, err, shared := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return "hello", nil
	})

	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
	if shared {
		t.Error("Do() reported shared for the only caller")
	}
	if g.Len() != 0 {
		t.Errorf("Expected no calls left in flight, got %d", g.Len())
	}
}

func TestDoError(t *testing.T) {
	var g Group[string]
	expectedErr := errors.New("test error")

	val, err, _ := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return nil, expectedErr
	})

	if err != expectedErr {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
	if val != nil {
		t.Errorf("Do() returned %v, want nil", val)
	}
}

func TestDoDuplicateCalls(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		callCount.Add(1)
		<-release
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	results := make([]any, numCalls)
	errs := make([]error, numCalls)
	var sharedCount atomic.Int32

	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			var shared bool
			results[index], errs[index], shared = g.Do(context.Background(), "same-key", fn)
			if shared {
				sharedCount.Add(1)
			}
		}(i)
	}

	waitFor(t, func() bool { return attached(g, "same-key") == numCalls })
	close(release)
	wg.Wait()

	if callCount.Load() != 1 {
		t.Errorf("Function called %d times, want 1", callCount.Load())
	}
	if sharedCount.Load() != numCalls-1 {
		t.Errorf("Expected %d shared callers, got %d", numCalls-1, sharedCount.Load())
	}
	for i, result := range results {
		if errs[i] != nil {
			t.Errorf("Call %d returned error: %v", i, errs[i])
		}
		if result != "result" {
			t.Errorf("Call %d returned %v, want result", i, result)
		}
	}
}

func TestDetachKeepsCallForRemainingCallers(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	var callCtx context.Context
	started := make(chan struct{})

	fn := func(ctx context.Context) (any, error) {
		callCtx = ctx
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	leaving, leave := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err, _ := g.Do(leaving, "k", fn)
		firstErr <- err
	}()
	<-started

	secondVal := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		secondVal <- v
	}()
	waitFor(t, func() bool { return attached(g, "k") == 2 })

	leave()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled for the detached caller, got %v", err)
	}
	if callCtx.Err() != nil {
		t.Fatal("Shared call was cancelled while a caller remained attached")
	}

	close(release)
	if v := <-secondVal; v != "done" {
		t.Errorf("Expected remaining caller to receive done, got %v", v)
	}
}

func TestLastDetachCancelsCall(t *testing.T) {
	g := New[string]()
	cancelled := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err, _ := g.Do(ctx, "k", func(callCtx context.Context) (any, error) {
		<-callCtx.Done()
		cancelled <- context.Cause(callCtx)
		return nil, callCtx.Err()
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	select {
	case cause := <-cancelled:
		if !errors.Is(cause, ErrAbandoned) {
			t.Errorf("Expected cause ErrAbandoned, got %v", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("Shared call was not cancelled after the last caller left")
	}
	if g.Len() != 0 {
		t.Errorf("Expected abandoned call to be forgotten, got %d in flight", g.Len())
	}
}

func TestDoFreshSupersedes(t *testing.T) {
	g := New[string]()
	releaseOld := make(chan struct{})
	oldStarted := make(chan struct{})

	oldResult := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (any, error) {
			close(oldStarted)
			<-releaseOld
			return "old", nil
		})
		oldResult <- v
	}()
	<-oldStarted
	oldCall := current(g, "k")

	releaseNew := make(chan struct{})
	newResult := make(chan any, 1)
	go func() {
		v, _ := g.DoFresh(context.Background(), "k", func(context.Context) (any, error) {
			<-releaseNew
			return "new", nil
		})
		newResult <- v
	}()
	waitFor(t, func() bool { c := current(g, "k"); return c != nil && c != oldCall })

	// A later caller attaches to the fresh call.
	joined := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (any, error) {
			return "unexpected", nil
		})
		joined <- v
	}()
	waitFor(t, func() bool { return attached(g, "k") == 2 })

	close(releaseOld)
	if v := <-oldResult; v != "old" {
		t.Errorf("Expected old caller to receive old, got %v", v)
	}
	if g.Len() != 1 {
		t.Errorf("Old call completion removed the fresh call")
	}

	close(releaseNew)
	if v := <-newResult; v != "new" {
		t.Errorf("Expected fresh caller to receive new, got %v", v)
	}
	if v := <-joined; v != "new" {
		t.Errorf("Expected joined caller to receive new, got %v", v)
	}
}

func TestForget(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (any, error) {
		n := calls.Add(1)
		<-release
		return n, nil
	}

	results := make(chan any, 2)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		results <- v
	}()
	waitFor(t, func() bool { return g.Len() == 1 })

	g.Forget("k")
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		results <- v
	}()
	waitFor(t, func() bool { return calls.Load() == 2 })
	close(release)
	<-results
	<-results

	if calls.Load() != 2 {
		t.Errorf("Expected Forget to allow a second execution, got %d", calls.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	g := New[string]()
	_, err, _ := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("Expected error from panicking call")
	}
	if g.Len() != 0 {
		t.Error("Panicking call was not removed")
	}
}

func attached(g *Group[string], key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.refs
	}
	return 0
}

func current(g *Group[string], key string) *call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
