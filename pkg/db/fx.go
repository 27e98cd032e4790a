package db

import (
	"time"

	"github.com/tontinehq/tontine/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func newFromConfig(appCfg config.Config) (*gorm.DB, error) {
	return Open(Config{
		Type:            appCfg.DBType,
		Host:            appCfg.DBHost,
		Port:            appCfg.DBPort,
		Name:            appCfg.DBName,
		User:            appCfg.DBUser,
		Password:        appCfg.DBPassword,
		SSLMode:         appCfg.DBSSLMode,
		MaxIdleConn:     appCfg.DBMaxIdleConn,
		MaxOpenConn:     appCfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(appCfg.DBConnMaxLifetime) * time.Second,
	})
}

// Module provides the shared gorm connection.
var Module = fx.Module("db",
	fx.Provide(newFromConfig),
)
