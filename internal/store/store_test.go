package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/IamMattHenry/salemate-notify/internal/database/testutil"
	"github.com/IamMattHenry/salemate-notify/internal/models"
	apperrors "github.com/IamMattHenry/salemate-notify/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := New(db, NewFeed())
	require.NoError(t, err)
	return st, db
}

func broadcastFixture(id, module string, createdAt time.Time) *models.Notification {
	return &models.Notification{
		BaseModel: models.BaseModel{ID: id, CreatedAt: createdAt},
		Kind:      models.KindOrder,
		Severity:  models.SeverityNormal,
		Message:   "order placed",
		Module:    module,
		Audience:  models.AudienceBroadcast,
	}
}

func targetedFixture(id, module, targetID string, createdAt time.Time) *models.Notification {
	n := broadcastFixture(id, module, createdAt)
	n.Audience = models.AudienceTargeted
	n.TargetID = targetID
	return n
}

func TestCreatePublishesChange(t *testing.T) {
	st, _ := newTestStore(t)
	sub := st.Feed().Subscribe()
	defer sub.Close()

	n := broadcastFixture("", "orders", time.Time{})
	require.NoError(t, st.Create(context.Background(), n))
	require.NotEmpty(t, n.ID)

	select {
	case change := <-sub.C():
		require.Equal(t, ChangeCreated, change.Kind)
		require.Equal(t, n.ID, change.NotificationID)
	case <-time.After(time.Second):
		t.Fatal("expected a created change on the feed")
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestListRecentOrdersNewestFirstWithIDTiebreak(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.Create(ctx, broadcastFixture("old", "orders", base)))
	require.NoError(t, st.Create(ctx, broadcastFixture("tie-a", "orders", base.Add(time.Minute))))
	require.NoError(t, st.Create(ctx, broadcastFixture("tie-b", "orders", base.Add(time.Minute))))

	rows, err := st.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "tie-b", rows[0].ID)
	require.Equal(t, "tie-a", rows[1].ID)
	require.Equal(t, "old", rows[2].ID)
}

func TestListRecentHonoursLimit(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		n := broadcastFixture("", "orders", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, st.Create(ctx, n))
	}

	rows, err := st.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestMarkBroadcastReadIsIdempotent(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	n := broadcastFixture("n-1", "orders", time.Now().UTC())
	require.NoError(t, st.Create(ctx, n))

	require.NoError(t, st.MarkBroadcastRead(ctx, "n-1", "alice"))
	require.NoError(t, st.MarkBroadcastRead(ctx, "n-1", "alice"))

	var count int64
	require.NoError(t, db.Model(&models.NotificationRead{}).
		Where("notification_id = ?", "n-1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestMarkBroadcastReadDifferentRecipientsAccumulate(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	n := broadcastFixture("n-1", "orders", time.Now().UTC())
	require.NoError(t, st.Create(ctx, n))

	require.NoError(t, st.MarkBroadcastRead(ctx, "n-1", "alice"))
	require.NoError(t, st.MarkBroadcastRead(ctx, "n-1", "bob"))

	loaded, err := st.Get(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, loaded.ReadBy("alice"))
	require.True(t, loaded.ReadBy("bob"))
	require.False(t, loaded.ReadBy("carol"))
}

func TestMarkTargetedReadSetsFlagOnce(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	n := targetedFixture("n-1", "orders", "alice", time.Now().UTC())
	require.NoError(t, st.Create(ctx, n))

	require.NoError(t, st.MarkTargetedRead(ctx, "n-1"))

	loaded, err := st.Get(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, loaded.Read)
	require.NotNil(t, loaded.ReadAt)
	firstReadAt := *loaded.ReadAt

	// Re-applying is a no-op: the timestamp does not move.
	require.NoError(t, st.MarkTargetedRead(ctx, "n-1"))
	loaded, err = st.Get(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, loaded.ReadAt.Equal(firstReadAt))
}

func TestMarkManyReadAppliesBothAudiences(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.Create(ctx, broadcastFixture("b-1", "orders", now)))
	require.NoError(t, st.Create(ctx, targetedFixture("t-1", "orders", "alice", now)))

	require.NoError(t, st.MarkManyRead(ctx, "alice", []string{"b-1"}, []string{"t-1"}))

	b, err := st.Get(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, b.ReadBy("alice"))

	tn, err := st.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, tn.Read)
}

func TestMarkManyReadRollsBackOnFailure(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.Create(ctx, broadcastFixture("b-1", "orders", now)))
	require.NoError(t, st.Create(ctx, targetedFixture("t-1", "orders", "alice", now)))

	// Hide the notifications table so the targeted update fails after the
	// broadcast insert has already succeeded inside the transaction.
	require.NoError(t, db.Migrator().RenameTable("notifications", "notifications_hidden"))
	err := st.MarkManyRead(ctx, "alice", []string{"b-1"}, []string{"t-1"})
	require.Error(t, err)
	require.NoError(t, db.Migrator().RenameTable("notifications_hidden", "notifications"))

	var count int64
	require.NoError(t, db.Model(&models.NotificationRead{}).Count(&count).Error)
	require.EqualValues(t, 0, count, "partial batch must be rolled back")

	tn, err := st.Get(ctx, "t-1")
	require.NoError(t, err)
	require.False(t, tn.Read)
}

func TestMarkManyReadEmptyBatchIsNoop(t *testing.T) {
	st, _ := newTestStore(t)
	sub := st.Feed().Subscribe()
	defer sub.Close()

	require.NoError(t, st.MarkManyRead(context.Background(), "alice", nil, nil))
	require.Empty(t, sub.C())
}

func TestDeleteOlderThanRemovesRowsAndReads(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := broadcastFixture("old", "orders", now.AddDate(0, 0, -120))
	fresh := broadcastFixture("fresh", "orders", now)
	require.NoError(t, st.Create(ctx, old))
	require.NoError(t, st.Create(ctx, fresh))
	require.NoError(t, st.MarkBroadcastRead(ctx, "old", "alice"))

	removed, err := st.DeleteOlderThan(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = st.Get(ctx, "old")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	var readCount int64
	require.NoError(t, db.Model(&models.NotificationRead{}).Count(&readCount).Error)
	require.EqualValues(t, 0, readCount)

	_, err = st.Get(ctx, "fresh")
	require.NoError(t, err)
}

func TestStoreTimeoutSurfacesAsRetryable(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	st, err := New(db, NewFeed(), WithTimeout(time.Nanosecond))
	require.NoError(t, err)

	_, err = st.ListRecent(context.Background(), 10)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrStoreUnavailable))
	require.True(t, apperrors.IsRetryable(err))
}
