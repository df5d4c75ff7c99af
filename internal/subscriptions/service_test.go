package subscriptions

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aun-builder/internal/cache"
	"aun-builder/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	c := cache.NewRedisCache(nil)
	t.Cleanup(func() { _ = c.Close() })
	return NewService(db, c), db
}

func addApps(t *testing.T, db *gorm.DB, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := userID + "-app-" + string(rune('a'+i))
		require.NoError(t, db.Create(&models.App{ID: id, Name: id, GitRepo: "repo-" + id}).Error)
		require.NoError(t, db.Create(&models.AppUser{
			AppID: id, UserID: userID, Permissions: models.PermissionAdmin,
			FreestyleAccessToken: "t", FreestyleAccessTokenID: "tid", FreestyleIdentity: "ident",
		}).Error)
	}
}

func TestSummaryDefaults(t *testing.T) {
	svc, db := newTestService(t)
	addApps(t, db, "user-1", 2)

	summary, err := svc.Summary(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, summary.SubscriptionType)
	assert.Equal(t, models.StatusActive, summary.SubscriptionStatus)
	assert.Equal(t, 0, summary.MessageCount)
	assert.Equal(t, int64(2), summary.AppCount)
}

func TestTrackMessageCreatesThenIncrements(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	count, err := svc.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.TrackMessage(ctx, "user-1"))
	}

	count, err = svc.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	sub, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, sub.SubscriptionType)
	assert.Equal(t, models.StatusActive, sub.SubscriptionStatus)
}

func TestSummaryIsInvalidatedOnWrite(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	summary, err := svc.Summary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.MessageCount)

	require.NoError(t, svc.TrackMessage(ctx, "user-1"))

	summary, err = svc.Summary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MessageCount)
}

func TestCanSendMessage(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for i := 0; i < FreeMessageLimit-1; i++ {
		require.NoError(t, svc.TrackMessage(ctx, "user-1"))
	}
	_, err := svc.CanSendMessage(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, svc.TrackMessage(ctx, "user-1"))
	summary, err := svc.CanSendMessage(ctx, "user-1")
	assert.ErrorIs(t, err, ErrMessageLimitReached)
	require.NotNil(t, summary)
	assert.Equal(t, FreeMessageLimit, summary.MessageCount)

	require.NoError(t, db.Model(&models.UserSubscription{}).Where("user_id = ?", "user-1").
		Update("subscription_type", models.PlanMonthly).Error)
	svc.Invalidate(ctx, "user-1")
	_, err = svc.CanSendMessage(ctx, "user-1")
	assert.NoError(t, err)
}

func TestReserveMessageStopsAtFreeLimit(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= FreeMessageLimit; i++ {
		summary, err := svc.ReserveMessage(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, i, summary.MessageCount)
	}
	summary, err := svc.ReserveMessage(ctx, "user-1")
	assert.ErrorIs(t, err, ErrMessageLimitReached)
	require.NotNil(t, summary)
	assert.Equal(t, FreeMessageLimit, summary.MessageCount)

	require.NoError(t, svc.ReleaseMessage(ctx, "user-1"))
	_, err = svc.ReserveMessage(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.UserSubscription{}).Where("user_id = ?", "user-1").
		Update("subscription_type", models.PlanMonthly).Error)
	summary, err = svc.ReserveMessage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, FreeMessageLimit+1, summary.MessageCount)
}

func TestReserveMessageConcurrentSends(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 4*FreeMessageLimit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ReserveMessage(ctx, "user-1"); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(FreeMessageLimit), accepted.Load())
	count, err := svc.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, FreeMessageLimit, count)
}

func TestReleaseMessageNeverGoesNegative(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.ReleaseMessage(ctx, "user-1"))
	_, err := svc.ReserveMessage(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseMessage(ctx, "user-1"))
	require.NoError(t, svc.ReleaseMessage(ctx, "user-1"))

	count, err := svc.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCanCreateApp(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	addApps(t, db, "user-1", FreeAppLimit-1)
	_, err := svc.CanCreateApp(ctx, "user-1")
	require.NoError(t, err)

	addApps(t, db, "user-2", FreeAppLimit)
	_, err = svc.CanCreateApp(ctx, "user-2")
	require.ErrorIs(t, err, ErrAppLimitReached)
	assert.Equal(t, "Free plan limit reached. You can only create 3 apps. Please upgrade to Pro for unlimited apps.", err.Error())

	require.NoError(t, svc.ActivateFromCheckout(ctx, "user-2", "sub_123", models.PlanYearly))
	_, err = svc.CanCreateApp(ctx, "user-2")
	assert.NoError(t, err)
}

func TestCheckoutLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.TrackMessage(ctx, "user-1"))

	require.NoError(t, svc.EnsureCustomer(ctx, "user-1", "cus_1"))
	require.NoError(t, svc.EnsureCustomer(ctx, "user-new", "cus_2"))

	fresh, err := svc.Get(ctx, "user-new")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, fresh.SubscriptionStatus)
	assert.Equal(t, models.PlanFree, fresh.SubscriptionType)
	assert.Equal(t, "cus_2", fresh.StripeCustomerID)

	require.NoError(t, svc.ActivateFromCheckout(ctx, "user-1", "sub_1", "monthly"))
	sub, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanMonthly, sub.SubscriptionType)
	assert.Equal(t, models.StatusActive, sub.SubscriptionStatus)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, 1, sub.MessageCount)
	require.NotNil(t, sub.SubscriptionStart)

	require.NoError(t, svc.UpdateStatus(ctx, "sub_1", models.StatusPastDue))
	summary, err := svc.Summary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, summary.SubscriptionStatus)

	assert.ErrorIs(t, svc.UpdateStatus(ctx, "sub_unknown", models.StatusPastDue), ErrNoSubscription)

	require.NoError(t, svc.CancelSubscription(ctx, "user-1"))
	sub, err = svc.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sub.SubscriptionStatus)
	assert.Equal(t, models.PlanFree, sub.SubscriptionType)
	require.NotNil(t, sub.SubscriptionEnd)
}

func TestReconcileExpired(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(48 * time.Hour)
	require.NoError(t, db.Create(&models.UserSubscription{
		UserID: "expired", SubscriptionType: models.PlanFree, SubscriptionStatus: models.StatusCancelled,
		MessageCount: 9, SubscriptionEnd: &past,
	}).Error)
	require.NoError(t, db.Create(&models.UserSubscription{
		UserID: "later", SubscriptionType: models.PlanMonthly, SubscriptionStatus: models.StatusCancelled,
		MessageCount: 4, SubscriptionEnd: &future,
	}).Error)

	n, err := svc.ReconcileExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := svc.Get(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.SubscriptionStatus)
	assert.Equal(t, 0, sub.MessageCount)

	sub, err = svc.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sub.SubscriptionStatus)

	n, err = svc.ReconcileExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReserveMessageChecksLimitInUpsert(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("WHERE user_subscriptions.subscription_type NOT IN ($7, '') OR user_subscriptions.message_count < $8")).
		WithArgs("user-1", models.PlanFree, models.StatusActive, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), models.PlanFree, FreeMessageLimit).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "user_subscriptions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "subscription_type", "subscription_status", "message_count"}).
			AddRow("user-1", models.PlanFree, models.StatusActive, FreeMessageLimit))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "app_users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	svc := NewService(db, nil)
	summary, err := svc.ReserveMessage(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrMessageLimitReached)
	require.NotNil(t, summary)
	assert.Equal(t, FreeMessageLimit, summary.MessageCount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackMessageUsesAtomicUpsert(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("DO UPDATE SET message_count = user_subscriptions.message_count + 1")).
		WithArgs("user-1", models.PlanFree, models.StatusActive, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_id)")).
		WillReturnError(errors.New("connection reset"))

	svc := NewService(db, nil)
	require.NoError(t, svc.TrackMessage(context.Background(), "user-1"))

	err = svc.TrackMessage(context.Background(), "user-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to track message")

	assert.NoError(t, mock.ExpectationsWereMet())
}
