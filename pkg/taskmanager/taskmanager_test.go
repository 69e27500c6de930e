package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestManager проверяет жизненный цикл асинхронных задач
func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful task completes with result", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})

		id, err := m.Submit(ctx, "send_message", func(ctx context.Context) (interface{}, error) {
			return "done", nil
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			task, err := m.Get(id)
			return err == nil && task.Status == StatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		task, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "done", task.Result)
		assert.Equal(t, "send_message", task.Kind)
	})

	t.Run("Failed task reports error", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})

		id, err := m.Submit(ctx, "send_message", func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("model unavailable")
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			task, err := m.Get(id)
			return err == nil && task.Status == StatusFailed
		}, 2*time.Second, 10*time.Millisecond)

		task, _ := m.Get(id)
		assert.Contains(t, task.Message, "model unavailable")
	})

	t.Run("Active task limit enforced", func(t *testing.T) {
		m := New(Config{MaxTasks: 1})
		release := make(chan struct{})

		_, err := m.Submit(ctx, "slow", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
		require.NoError(t, err)

		_, err = m.Submit(ctx, "rejected", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		assert.Error(t, err)
		close(release)
	})

	t.Run("Cancel stops running task", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})
		started := make(chan struct{})

		id, err := m.Submit(ctx, "slow", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		<-started

		require.NoError(t, m.Cancel(id))

		task, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, task.Status)
	})

	t.Run("Get returns detached snapshot", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})
		started := make(chan struct{})
		release := make(chan struct{})

		id, err := m.Submit(ctx, "slow", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "done", nil
		})
		require.NoError(t, err)
		<-started

		snapshot, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, snapshot.Status)

		close(release)
		require.Eventually(t, func() bool {
			task, err := m.Get(id)
			return err == nil && task.Status == StatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		// Снимок живет своей жизнью и не следует за задачей
		assert.Equal(t, StatusRunning, snapshot.Status)
	})

	t.Run("Unknown task ID rejected", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})

		_, err := m.Get(uuid.New())
		assert.Error(t, err)
	})

	t.Run("Cleanup drops old finished tasks", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})

		id, err := m.Submit(ctx, "quick", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			task, err := m.Get(id)
			return err == nil && task.Status == StatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		m.Cleanup(0)

		_, err = m.Get(id)
		assert.Error(t, err)
	})

	t.Run("Shutdown waits for running tasks", func(t *testing.T) {
		m := New(Config{MaxTasks: 2})
		started := make(chan struct{})

		_, err := m.Submit(ctx, "slow", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		<-started

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(shutdownCtx))

		// Новые задачи после остановки не принимаются
		_, err = m.Submit(ctx, "late", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		assert.Error(t, err)
	})
}
