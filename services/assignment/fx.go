package assignment

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("assignment.service",
	fx.Provide(
		NewRepository,
		NewService,
	),
	fx.Invoke(autoMigrate),
)

var WorkerModule = fx.Module("assignment.worker",
	fx.Provide(
		NewScheduler,
		NewHandler,
	),
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(TaskAssignmentRun, h.HandleRunTask)
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{}, &Task{})
}
