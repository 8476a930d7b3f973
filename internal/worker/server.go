package worker

import (
	"context"
	"fmt"

	"backend/internal/audit"
	"backend/internal/config"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 审计后台任务服务器
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewServer 创建后台任务服务器与周期调度器
func NewServer(
	cfg config.RedisConfig,
	auditCfg config.AuditConfig,
	sealer *audit.Sealer,
	archiver *audit.Archiver,
	verifier *audit.Verifier,
	logins *audit.LoginRecorder,
	logger *zap.Logger,
) *Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"audit":   6, // 封存/归档/校验优先级高
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册审计处理器
	auditHandler := handlers.NewAuditHandler(sealer, archiver, verifier, logins, logger)
	mux.HandleFunc(tasks.TypeSealRecords, auditHandler.HandleSealRecords)
	mux.HandleFunc(tasks.TypeArchiveRecords, auditHandler.HandleArchiveRecords)
	mux.HandleFunc(tasks.TypeLoginSweep, auditHandler.HandleLoginSweep)
	mux.HandleFunc(tasks.TypeVerifyChain, auditHandler.HandleVerifyChain)

	// 周期调度：封存与归档走夜间批处理，异常检测高频扫描
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	registerCron := func(spec, taskType string) {
		if _, err := scheduler.Register(spec, asynq.NewTask(taskType, nil), asynq.Queue("audit")); err != nil {
			logger.Error("注册周期任务失败",
				zap.String("type", taskType),
				zap.String("cron", spec),
				zap.Error(err),
			)
		}
	}
	registerCron(auditCfg.SealCron, tasks.TypeSealRecords)
	registerCron(auditCfg.ArchiveCron, tasks.TypeArchiveRecords)
	registerCron(auditCfg.SweepCron, tasks.TypeLoginSweep)

	return &Server{
		server:    srv,
		scheduler: scheduler,
		mux:       mux,
		logger:    logger,
	}
}

// Run 启动 Worker 服务器（阻塞）
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
