package cleanup

import (
	"context"
	"time"

	"sesame/internal/logs"
)

// Task — один шаг фоновой уборки. Шаги независимы: упавший не должен
// останавливать остальные.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	tasks    []Task
}

func NewScheduler(interval time.Duration, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{interval: interval, timeout: 2 * time.Minute, tasks: tasks}
}

// Start крутит цикл до отмены ctx. Первый проход — сразу, не ждём тик.
func (s *Scheduler) Start(ctx context.Context) {
	logs.Logger.Infof("cleanup scheduler: every %s, %d tasks", s.interval, len(s.tasks))
	s.RunOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logs.Logger.Info("cleanup scheduler stopped")
			return
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет все шаги, изолируя ошибки по-шагово.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := task.Run(tctx); err != nil {
			logs.Logger.Errorf("cleanup task %q: %v", task.Name, err)
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
	}
}
