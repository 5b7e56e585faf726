package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
	"lipa_engine/internal/services"
	"lipa_engine/internal/tasks"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	cache, err := services.NewRedisCache(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer cache.Close()

	registry := providers.NewRegistry()
	registry.Register(providers.NewMpesaAdapter())
	registry.Register(providers.NewAirtelAdapter())
	registry.Register(providers.NewMidtransAdapter())

	notifier := services.NewHTTPNotifier()
	ledger := services.NewGormLedger(db)
	idem := services.NewRedisGormIdempotency(db, cache)
	payments := services.NewPaymentService(services.NewGormIntentStore(db), ledger, idem, registry, notifier)
	subscriptions := services.NewSubscriptionService(services.NewGormSubscriptionStore(db), payments, notifier)
	reconciliation := services.NewReconciliationService(services.NewGormReconStore(db), ledger, registry)

	deps := &tasks.Deps{
		DB:             db,
		Payments:       payments,
		Subscriptions:  subscriptions,
		Reconciliation: reconciliation,
	}

	tasks.DefineTasks()
	seedRecurringTasks(db)

	log.Println("Worker started. Waiting for next tick...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	// Run once immediately, then tick
	processScheduledTasks(ctx, db, deps)

	for {
		select {
		case <-ticker.C:
			processScheduledTasks(ctx, db, deps)
		case <-ctx.Done():
			return
		}
	}
}

// recurringSeed is a sweep the worker guarantees exists
type recurringSeed struct {
	taskName string
	rule     string
}

// seedRecurringTasks makes sure the standing sweeps are scheduled. Seeding
// is idempotent: a task that already exists is left alone, whatever an
// operator did to it.
func seedRecurringTasks(db *gorm.DB) {
	seeds := []recurringSeed{
		{"process_renewals", "FREQ=HOURLY"},
		{"expire_intents", "FREQ=HOURLY"},
		{"process_dunning", "FREQ=HOURLY;INTERVAL=6"},
		{"reconcile_daily", "FREQ=DAILY"},
	}

	for _, seed := range seeds {
		var count int64
		if err := db.Model(&models.ScheduledTask{}).
			Where("task_name = ? AND task_type = ?", seed.taskName, models.ScheduledTaskTypeRecurring).
			Count(&count).Error; err != nil {
			log.Printf("Seed check for %s failed: %v", seed.taskName, err)
			continue
		}
		if count > 0 {
			continue
		}

		rule := seed.rule
		task, err := tasks.BuildScheduledTask(seed.taskName, map[string]interface{}{}, time.Now(), &rule, models.ScheduledTaskTypeRecurring, 3)
		if err != nil {
			log.Printf("Seed build for %s failed: %v", seed.taskName, err)
			continue
		}
		if err := db.Create(task).Error; err != nil {
			log.Printf("Seed create for %s failed: %v", seed.taskName, err)
			continue
		}
		log.Printf("Seeded recurring task %s (%s)", seed.taskName, seed.rule)
	}
}

func processScheduledTasks(ctx context.Context, db *gorm.DB, deps *tasks.Deps) {
	log.Println("Checking for pending tasks...")

	var pendingTasks []models.ScheduledTask
	now := time.Now()
	if err := db.Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).Find(&pendingTasks).Error; err != nil {
		log.Printf("Error fetching pending tasks: %v", err)
		return
	}

	if len(pendingTasks) == 0 {
		log.Println("No pending tasks found.")
		return
	}

	log.Printf("Found %d pending tasks.", len(pendingTasks))

	for _, task := range pendingTasks {
		if ctx.Err() != nil {
			return
		}
		executeTask(ctx, db, deps, task, 1)
	}
}

func executeTask(ctx context.Context, db *gorm.DB, deps *tasks.Deps, task models.ScheduledTask, curAttempt int) {
	log.Printf("Processing task: %s (ID: %d)", task.TaskName, task.ID)

	handler, found := tasks.GetHandler(task.TaskName)
	if !found {
		log.Printf("Task handler not found for: %s. Marking as failure.", task.TaskName)

		now := time.Now()
		db.Model(&task).Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusFailure,
			"last_run": &now,
		})

		history := models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          "handler_not_found",
			AttemptNumber:   curAttempt,
			Arguments:       task.Arguments,
			Result:          map[string]interface{}{"error": "Handler not found"},
		}
		db.Create(&history)
		return
	}

	startTime := time.Now()
	result, err := handler(ctx, deps, task)
	duration := time.Since(startTime)

	status := "success"
	var resultData map[string]interface{}
	if err != nil {
		status = "failure"
		resultData = map[string]interface{}{"error": err.Error()}
		log.Printf("Task %s failed: %v", task.TaskName, err)
	} else {
		resultData = result
		log.Printf("Task %s completed successfully.", task.TaskName)
	}

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           startTime,
		Runtime:         int(duration.Milliseconds()),
		Status:          status,
		AttemptNumber:   curAttempt,
		Arguments:       task.Arguments,
		Result:          resultData,
	}
	db.Create(&history)

	taskUpdates := map[string]interface{}{
		"last_run": &startTime,
	}

	if status != "success" {
		if curAttempt < task.MaxAttempt {
			executeTask(ctx, db, deps, task, curAttempt+1)
			return
		}
		taskUpdates["status"] = models.ScheduledTaskStatusFailure
	} else {
		switch task.TaskType {
		case models.ScheduledTaskTypeOneTime:
			taskUpdates["status"] = models.ScheduledTaskStatusDone
		case models.ScheduledTaskTypeRecurring:
			nextDue := task.NextDue()
			// Only reschedule a genuinely future occurrence, otherwise the
			// task would run again on the next tick forever
			if nextDue.After(task.Due) {
				taskUpdates["status"] = models.ScheduledTaskStatusActive
				taskUpdates["due"] = nextDue
			} else {
				taskUpdates["status"] = models.ScheduledTaskStatusDone
			}
		}
	}

	db.Model(&task).Updates(taskUpdates)
}
