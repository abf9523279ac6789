package main

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"accessplane/pkg/config"
	"accessplane/pkg/db"
	"accessplane/pkg/gen"
	"accessplane/pkg/hashistack/secretmanager"
	"accessplane/pkg/logger"
	"accessplane/pkg/redis"
	"accessplane/pkg/task"
	"accessplane/services/assignment"
	"accessplane/services/membership"
)

func main() {
	app := fx.New(
		vaultModule(),
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		task.Server,
		membership.Module,
		assignment.Module,
		assignment.WorkerModule,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// vaultModule enables the Vault secret overlay only when the environment
// points at a Vault server.
func vaultModule() fx.Option {
	if os.Getenv("VAULT_ADDR") == "" {
		return fx.Options()
	}
	return secretmanager.Module
}
