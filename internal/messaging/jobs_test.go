package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/outbox"
	"courier/internal/resolver"
	"courier/internal/retry"
	"courier/internal/storage"
)

func TestScheduleDefaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Schedule: Schedule{Dispatch: "@every 10s"}}, retry.Config{})
	jobs := f.svc.Jobs()
	require.Len(t, jobs, 6)

	byName := map[string]JobInfo{}
	for _, j := range jobs {
		byName[j.Name] = j
	}
	require.Equal(t, "@every 10s", byName[JobDispatch].Spec)
	require.Equal(t, "@every 1m", byName[JobRetrySweep].Spec)
	require.False(t, byName[JobEntitySync].Enabled)
	require.True(t, byName[JobHealth].Enabled)

	require.Nil(t, byName[JobDispatch].Next)
	require.ErrorContains(t, f.svc.RunJob(context.Background(), "nope"), "unknown job")
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, retry.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.svc.Start(ctx))

	require.NoError(t, f.svc.Apply(Config{Location: time.UTC, Schedule: Schedule{Dispatch: "*/5 * * * *", Health: Off}}))
	dispatchJob := f.svc.Jobs()[0]
	require.Equal(t, "*/5 * * * *", dispatchJob.Spec)
	require.NotNil(t, dispatchJob.Next)

	err := f.svc.Apply(Config{Location: time.UTC, Schedule: Schedule{Dispatch: "whenever"}})
	require.Error(t, err)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, f.svc.Stop(stopCtx))
}

func TestEntitySyncPagesThroughKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{EntitySyncKinds: []string{"colaborador"}, EntitySyncBatch: 2}, retry.Config{})
	for i := 1; i <= 5; i++ {
		f.dir.Put("colaborador", resolver.Record{ID: fmt.Sprintf("%d", i), RawContact: fmt.Sprintf("1599999%04d", i)})
	}
	f.dir.Put("colaborador", resolver.Record{ID: "9", RawContact: "12"})

	require.NoError(t, f.svc.RunJob(ctx, JobEntitySync))
	for i := 1; i <= 5; i++ {
		ref, ok, err := f.st.GetEntity(ctx, "colaborador", fmt.Sprintf("%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, ref.AddressValid)
		require.Equal(t, fmt.Sprintf("551599999%04d", i), ref.Address)
	}
	ref, ok, err := f.st.GetEntity(ctx, "colaborador", "9")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ref.AddressValid)
}

func TestRetentionJobKeepsRetryableMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{Retention: storage.Retention{Messages: 24 * time.Hour}}, retry.Config{MaxAttempts: 3})
	req := SendRequest{Recipient: outbox.Recipient{Address: "5515999998888"}, Body: "x"}

	sentID, err := f.svc.Send(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.RunJob(ctx, JobDispatch))

	f.snd.set(func(s *fakeSender) { s.fail = true })
	failedID, err := f.svc.Send(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.RunJob(ctx, JobDispatch))

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.svc.RunJob(ctx, JobRetention))

	_, err = f.svc.Get(ctx, sentID)
	require.ErrorIs(t, err, outbox.ErrNotFound)
	msg, err := f.svc.Get(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusError, msg.Status)
	require.Equal(t, 1, msg.Attempts)
}
