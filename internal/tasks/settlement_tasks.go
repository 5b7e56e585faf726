package tasks

import (
	"context"
	"log"
	"time"

	"lipa_engine/internal/models"
)

// defaultSweepLimit bounds how many rows a single sweep run touches
const defaultSweepLimit = 200

// ProcessRenewalsTaskDef runs the hourly renewal sweep
type ProcessRenewalsTaskDef struct{}

func (t *ProcessRenewalsTaskDef) TaskID() string {
	return "process_renewals"
}

func (t *ProcessRenewalsTaskDef) HandleExecution(ctx context.Context, deps *Deps, task models.ScheduledTask) (map[string]interface{}, error) {
	limit := limitArg(task.Arguments, defaultSweepLimit)
	started, err := deps.Subscriptions.ProcessDueRenewals(ctx, limit)
	if err != nil {
		return nil, err
	}
	log.Printf("[Task: process_renewals] started %d renewal attempts", started)
	return map[string]interface{}{"status": "success", "started": started}, nil
}

// ProcessRenewalsTask is the singleton instance of ProcessRenewalsTaskDef
var ProcessRenewalsTask = &ProcessRenewalsTaskDef{}

// ProcessDunningTaskDef runs the dunning retry sweep
type ProcessDunningTaskDef struct{}

func (t *ProcessDunningTaskDef) TaskID() string {
	return "process_dunning"
}

func (t *ProcessDunningTaskDef) HandleExecution(ctx context.Context, deps *Deps, task models.ScheduledTask) (map[string]interface{}, error) {
	limit := limitArg(task.Arguments, defaultSweepLimit)
	acted, err := deps.Subscriptions.ProcessDunning(ctx, limit)
	if err != nil {
		return nil, err
	}
	log.Printf("[Task: process_dunning] acted on %d subscriptions", acted)
	return map[string]interface{}{"status": "success", "acted": acted}, nil
}

// ProcessDunningTask is the singleton instance of ProcessDunningTaskDef
var ProcessDunningTask = &ProcessDunningTaskDef{}

// ExpireIntentsTaskDef reaps stale provider-initiated intents
type ExpireIntentsTaskDef struct{}

func (t *ExpireIntentsTaskDef) TaskID() string {
	return "expire_intents"
}

func (t *ExpireIntentsTaskDef) HandleExecution(ctx context.Context, deps *Deps, task models.ScheduledTask) (map[string]interface{}, error) {
	limit := limitArg(task.Arguments, defaultSweepLimit)
	expired, err := deps.Payments.ExpireStaleIntents(ctx, limit)
	if err != nil {
		return nil, err
	}
	log.Printf("[Task: expire_intents] expired %d intents", expired)
	return map[string]interface{}{"status": "success", "expired": expired}, nil
}

// ExpireIntentsTask is the singleton instance of ExpireIntentsTaskDef
var ExpireIntentsTask = &ExpireIntentsTaskDef{}

// ReconcileDailyTaskDef reconciles the previous day's settlements. An
// explicit "date" argument (YYYY-MM-DD) overrides the default.
type ReconcileDailyTaskDef struct{}

func (t *ReconcileDailyTaskDef) TaskID() string {
	return "reconcile_daily"
}

func (t *ReconcileDailyTaskDef) HandleExecution(ctx context.Context, deps *Deps, task models.ScheduledTask) (map[string]interface{}, error) {
	date := time.Now().UTC().AddDate(0, 0, -1)
	if raw, ok := task.Arguments["date"].(string); ok && raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, err
		}
		date = parsed
	}

	written, err := deps.Reconciliation.ReconcileDay(ctx, date)
	if err != nil {
		return nil, err
	}
	log.Printf("[Task: reconcile_daily] wrote %d records for %s", written, date.Format("2006-01-02"))
	return map[string]interface{}{"status": "success", "written": written, "date": date.Format("2006-01-02")}, nil
}

// ReconcileDailyTask is the singleton instance of ReconcileDailyTaskDef
var ReconcileDailyTask = &ReconcileDailyTaskDef{}
