package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/sessionlog"
)

func TestAppendAssignsIncreasingOffsets(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.CreateSession(ctx, sessionlog.Session{ID: "sess-1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e, err := s.Append(ctx, sessionlog.Event{SessionID: "sess-1", Kind: sessionlog.KindMessage})
		require.NoError(t, err)
		require.Equal(t, int64(i), e.Offset)
	}
}

func TestDeleteTombstonesNotRemoves(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e, err := s.Append(ctx, sessionlog.Event{SessionID: "sess-1", Kind: sessionlog.KindMessage})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "sess-1", e.ID))

	visible, err := s.List(ctx, "sess-1", sessionlog.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, visible)

	all, err := s.List(ctx, "sess-1", sessionlog.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Deleted)
}

func TestListLongPollReturnsOnNewData(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.CreateSession(ctx, sessionlog.Session{ID: "sess-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Append(context.Background(), sessionlog.Event{SessionID: "sess-1", Kind: sessionlog.KindStatus})
	}()

	events, err := s.List(ctx, "sess-1", sessionlog.ListOptions{WaitForDataSeconds: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestListMissingSession(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.List(context.Background(), "missing", sessionlog.ListOptions{})
	require.ErrorIs(t, err, sessionlog.ErrSessionNotFound)
}
