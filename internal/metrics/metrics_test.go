package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aun-builder/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "fallback"},
		{"  ", "fallback"},
		{"Create Repo", "create_repo"},
		{"git/v1/identity", "git_v1_identity"},
		{"---", "fallback"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeLabel(tt.in, "fallback"), tt.in)
	}
}

func TestRecordUpstreamCall(t *testing.T) {
	before := testutil.ToFloat64(upstreamCallsTotal.WithLabelValues("freestyle", "create_repo", "error"))
	RecordUpstreamCall("freestyle", "Create Repo", errors.New("boom"), 10*time.Millisecond)
	after := testutil.ToFloat64(upstreamCallsTotal.WithLabelValues("freestyle", "create_repo", "error"))
	assert.Equal(t, before+1, after)
}

func TestPrometheusMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/api/apps/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", PrometheusHandler())

	counter := Get().HTTPRequestsTotal.WithLabelValues("/api/apps/:id", "GET", "200")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/apps/abc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aun_http_requests_total")
}

func TestBusinessMetricsCollector(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	require.NoError(t, db.Create(&models.App{ID: "a1", Name: "one", GitRepo: "r1"}).Error)
	require.NoError(t, db.Create(&models.App{ID: "a2", Name: "two", GitRepo: "r2"}).Error)
	require.NoError(t, db.Create(&models.UserSubscription{UserID: "u1", SubscriptionType: "monthly", SubscriptionStatus: "active"}).Error)
	require.NoError(t, db.Create(&models.UserSubscription{UserID: "u2", SubscriptionType: "free", SubscriptionStatus: "active"}).Error)
	require.NoError(t, db.Create(&models.UserFreestyleData{UserID: "u1", FreestyleIdentity: "i1", CreatedAt: time.Now()}).Error)

	NewBusinessMetricsCollector(db).Collect()

	m := Get()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TotalAppsGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TotalUsersGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionsGauge.WithLabelValues("monthly", "active")))
}
