package metrics

import (
	"runtime"

	"aun-builder/internal/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BusinessMetricsCollector refreshes gauges that are derived from the database.
// It is driven by the job scheduler.
type BusinessMetricsCollector struct {
	db      *gorm.DB
	metrics *Metrics
}

// NewBusinessMetricsCollector creates a collector over db
func NewBusinessMetricsCollector(db *gorm.DB) *BusinessMetricsCollector {
	return &BusinessMetricsCollector{
		db:      db,
		metrics: Get(),
	}
}

// Collect runs a single collection cycle
func (bmc *BusinessMetricsCollector) Collect() {
	bmc.collectUserMetrics()
	bmc.collectAppMetrics()
	bmc.collectSubscriptionMetrics()
	bmc.collectDatabaseMetrics()
	bmc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

func (bmc *BusinessMetricsCollector) collectUserMetrics() {
	if bmc.db == nil {
		return
	}

	var total int64
	if err := bmc.db.Table("user_freestyle_data").Count(&total).Error; err != nil {
		logging.L().Warn("failed to count users", zap.Error(err))
		return
	}
	bmc.metrics.TotalUsersGauge.Set(float64(total))
}

func (bmc *BusinessMetricsCollector) collectAppMetrics() {
	if bmc.db == nil {
		return
	}

	var total int64
	if err := bmc.db.Table("apps").Count(&total).Error; err != nil {
		logging.L().Warn("failed to count apps", zap.Error(err))
		return
	}
	bmc.metrics.TotalAppsGauge.Set(float64(total))
}

// PlanCount is one row of the subscriptions-by-plan query
type PlanCount struct {
	Plan   string
	Status string
	Count  int64
}

func (bmc *BusinessMetricsCollector) collectSubscriptionMetrics() {
	if bmc.db == nil {
		return
	}

	var counts []PlanCount
	if err := bmc.db.Table("user_subscriptions").
		Select("subscription_type AS plan, subscription_status AS status, COUNT(*) AS count").
		Group("subscription_type, subscription_status").
		Scan(&counts).Error; err != nil {
		logging.L().Warn("failed to count subscriptions", zap.Error(err))
		return
	}

	bmc.metrics.SubscriptionsGauge.Reset()
	for _, pc := range counts {
		bmc.metrics.SubscriptionsGauge.
			WithLabelValues(sanitizeLabel(pc.Plan, "free"), sanitizeLabel(pc.Status, "active")).
			Set(float64(pc.Count))
	}
}

func (bmc *BusinessMetricsCollector) collectDatabaseMetrics() {
	if bmc.db == nil {
		return
	}

	sqlDB, err := bmc.db.DB()
	if err != nil {
		logging.L().Warn("failed to read database stats", zap.Error(err))
		return
	}

	stats := sqlDB.Stats()
	bmc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	bmc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
