package migration

import (
	billingdomain "github.com/smallbiznis/lingora/internal/billing/domain"
	"github.com/smallbiznis/lingora/internal/config"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	evaluationdomain "github.com/smallbiznis/lingora/internal/evaluation/domain"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	tasksdomain "github.com/smallbiznis/lingora/internal/tasks/domain"
	usagedomain "github.com/smallbiznis/lingora/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		// mysql/sqlite development setups derive the schema from the models.
		return AutoMigrate(conn)
	}),
)

// AutoMigrate creates the schema from the gorm models. Tests use it against
// in-memory sqlite.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&entitlementdomain.Profile{},
		&entitlementdomain.Pack{},
		&usagedomain.UsageRecord{},
		&tasksdomain.Task{},
		&examsessiondomain.ExamSession{},
		&examsessiondomain.Result{},
		&examsessiondomain.UserExamState{},
		&evaluationdomain.Job{},
		&billingdomain.WebhookEvent{},
	)
}
