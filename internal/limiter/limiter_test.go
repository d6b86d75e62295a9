package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

func TestAdmit_PerRoleCap(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 4, PerRole: map[model.Role]int{model.RoleNavigator: 1}}, nil)
	assert.Equal(t, 1, l.Stats(model.RoleNavigator).Capacity)
	assert.Equal(t, 4, l.Stats(model.RoleExtractor).Capacity)

	first, err := l.Admit(context.Background(), model.RoleNavigator)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx, model.RoleNavigator)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other roles are unaffected.
	other, err := l.Admit(context.Background(), model.RoleExtractor)
	require.NoError(t, err)

	first.Release()
	other.Release()
	assert.Equal(t, 0, l.InFlight())
}

func TestAdmit_GlobalCap(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 2, AdmissionTimeout: 20 * time.Millisecond}, nil)
	a, err := l.Admit(context.Background(), model.RoleExtractor)
	require.NoError(t, err)
	b, err := l.Admit(context.Background(), model.RoleOCRSpecialist)
	require.NoError(t, err)

	_, err = l.Admit(context.Background(), model.RoleValidator)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrResourceUnavailable)
	assert.Equal(t, 0, l.Stats(model.RoleValidator).Queued)

	a.Release()
	c, err := l.Admit(context.Background(), model.RoleValidator)
	require.NoError(t, err)
	b.Release()
	c.Release()
}

func TestAdmit_FIFOWithinRole(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 1}, nil)
	holder, err := l.Admit(context.Background(), model.RoleExtractor)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ls, err := l.Admit(context.Background(), model.RoleExtractor)
			if err != nil {
				t.Errorf("admit %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			ls.Release()
		}(i)
		// Let waiter i enqueue before i+1.
		require.Eventually(t, func() bool {
			return l.Stats(model.RoleExtractor).Queued == i+1
		}, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	holder.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAdmit_UnknownRole(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	_, err := l.Admit(context.Background(), model.Role("painter"))
	require.Error(t, err)
	assert.True(t, resilience.IsConfigurationError(err))
}

func TestLease_RevokedAfterTaskTimeout(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 1, TaskTimeout: 20 * time.Millisecond}, nil)
	var revokedRole model.Role
	done := make(chan struct{})
	l.OnRevoke(func(r model.Role) {
		revokedRole = r
		close(done)
	})

	ls, err := l.Admit(context.Background(), model.RoleNavigator)
	require.NoError(t, err)

	<-ls.Context().Done()
	<-done
	assert.True(t, ls.Revoked())
	assert.ErrorIs(t, context.Cause(ls.Context()), resilience.ErrTimedOut)
	assert.Equal(t, model.RoleNavigator, revokedRole)

	werr := ls.Err(context.Canceled)
	assert.ErrorIs(t, werr, resilience.ErrTimedOut)
	assert.Equal(t, resilience.KindRecoverable, resilience.Classify(werr))

	// Capacity is back without an explicit Release.
	require.Eventually(t, func() bool { return l.InFlight() == 0 }, time.Second, time.Millisecond)
	next, err := l.Admit(context.Background(), model.RoleNavigator)
	require.NoError(t, err)
	next.Release()
	ls.Release()
	assert.Equal(t, int64(1), l.Stats(model.RoleNavigator).Revoked)
}

func TestLease_ParentCancelReleases(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ls, err := l.Admit(ctx, model.RoleExtractor)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Stats(model.RoleExtractor).Active)

	cancel()
	require.Eventually(t, func() bool { return l.InFlight() == 0 }, time.Second, time.Millisecond)
	assert.False(t, ls.Revoked())
	assert.Equal(t, 0, l.Stats(model.RoleExtractor).Active)
	ls.Release()
	assert.Equal(t, 0, l.InFlight())
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 2}, nil)
	ls, err := l.Admit(context.Background(), model.RoleValidator)
	require.NoError(t, err)
	ls.Release()
	ls.Release()
	assert.Equal(t, 0, l.InFlight())
	assert.Equal(t, 0, l.Stats(model.RoleValidator).Active)
	assert.NoError(t, ls.Err(nil))
	assert.Equal(t, model.RoleValidator, ls.Role())
}

func TestCloseAndWait(t *testing.T) {
	t.Parallel()

	l := New(Config{Global: 2}, nil)
	ls, err := l.Admit(context.Background(), model.RoleCoordinator)
	require.NoError(t, err)

	l.Close()
	_, err = l.Admit(context.Background(), model.RoleCoordinator)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, resilience.KindCanceled, resilience.Classify(err))

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short))

	go func() {
		time.Sleep(10 * time.Millisecond)
		ls.Release()
	}()
	assert.NoError(t, l.Wait(context.Background()))
}
