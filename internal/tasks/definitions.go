package tasks

// DefineTasks registers all available tasks
func DefineTasks() {
	// General tasks
	RegisterHandler(LogInfoTask.TaskID(), LogInfoTask.HandleExecution)

	// Settlement sweeps
	RegisterHandler(ProcessRenewalsTask.TaskID(), ProcessRenewalsTask.HandleExecution)
	RegisterHandler(ProcessDunningTask.TaskID(), ProcessDunningTask.HandleExecution)
	RegisterHandler(ExpireIntentsTask.TaskID(), ExpireIntentsTask.HandleExecution)
	RegisterHandler(ReconcileDailyTask.TaskID(), ReconcileDailyTask.HandleExecution)
}
