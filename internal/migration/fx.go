package migration

import (
	"github.com/tontinehq/tontine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func runOnStart(gormDB *gorm.DB, appCfg config.Config, log *zap.Logger) error {
	return Run(gormDB, appCfg.DBType, appCfg.DBName, log.Named("migration"))
}

// Module applies pending schema migrations during app construction.
var Module = fx.Module("migration",
	fx.Invoke(runOnStart),
)
