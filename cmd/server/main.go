package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/A3S-Lab/DocuemntParser/internal/cache"
	"github.com/A3S-Lab/DocuemntParser/internal/config"
	"github.com/A3S-Lab/DocuemntParser/internal/dispatch"
	"github.com/A3S-Lab/DocuemntParser/internal/engine"
	"github.com/A3S-Lab/DocuemntParser/internal/handlers"
	"github.com/A3S-Lab/DocuemntParser/internal/metrics"
	"github.com/A3S-Lab/DocuemntParser/internal/middleware"
	"github.com/A3S-Lab/DocuemntParser/internal/store"
	"github.com/A3S-Lab/DocuemntParser/internal/sweeper"
	"github.com/A3S-Lab/DocuemntParser/pkg/logger"
)

const (
	// Время на аккуратное завершение работы сервера (доделать текущие запросы).
	shutdownTimeout = 30 * time.Second
)

// App — сердце сервисной обвязки движка.
// Структура держит вместе все зависимости, чтобы их не приходилось
// передавать глобально, и управляет их жизненным циклом (старт/стоп).
type App struct {
	config       *config.Config
	logger       *zap.Logger
	store        *store.RedisProgressStore
	snapshots    *cache.SnapshotCache
	collector    *metrics.Collector
	orchestrator *engine.Orchestrator
	sweeper      *sweeper.Sweeper
	server       *http.Server

	// Гарантированная однократная инициализация.
	initOnce sync.Once
	initErr  error

	// Управление фоновыми задачами.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Гарантия, что Shutdown выполнится только один раз.
	shutdownOnce sync.Once
}

// NewApp создает "пустую" заготовку приложения.
// Основная настройка происходит в Initialize().
func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize запускает настройку всех компонентов по принципу
// "все или ничего".
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

// doInitialize — "сборочный цех": сначала базовые вещи (логгер, конфиг),
// потом слои (хранилище -> движок -> HTTP).
func (a *App) doInitialize() error {
	// 1. Логгер, чтобы видеть, что происходит (или почему упало).
	if err := logger.Init("info", true); err != nil {
		return fmt.Errorf("не удалось инициализировать логгер: %w", err)
	}
	a.logger = logger.Get()

	// 2. Настройки: файл из APP_CONFIG_PATH, иначе config.yaml, иначе
	// только значения по умолчанию и переменные окружения.
	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := config.Load(configPath); err != nil {
		a.logger.Warn("не удалось загрузить конфиг-файл, используем значения по умолчанию и ENV",
			zap.Error(err),
		)
		if err := config.Load(""); err != nil {
			return fmt.Errorf("критическая ошибка конфигурации: %w", err)
		}
	}

	a.config = config.Get()
	a.logger.Info("конфигурация загружена",
		zap.String("server_host", a.config.Server.Host),
		zap.Int("server_port", a.config.Server.Port),
		zap.String("redis_addr", a.config.Redis.Addr),
	)

	// 3. Подключаемся к Redis — единственному разделяемому состоянию.
	// Retry на случай, если база поднимается медленнее нас.
	progressStore, err := store.NewRedisProgressStore(store.Options{
		Addr:         a.config.Redis.Addr,
		Password:     a.config.Redis.Password,
		DB:           a.config.Redis.DB,
		KeyPrefix:    a.config.Redis.KeyPrefix,
		RetentionTTL: a.config.Retention.TTL,
	}, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища прогресса: %w", err)
	}
	a.store = progressStore

	// 4. Кэш снимков статусов для горячего поллинга.
	a.snapshots = cache.NewSnapshotCache(
		a.config.Cache.Shards,
		a.config.Cache.TTL,
	)
	a.snapshots.StartCleanupWorker()

	// 5. Метрики и сам движок.
	a.collector = metrics.NewCollector(prometheus.DefaultRegisterer)
	a.orchestrator = engine.NewOrchestrator(
		a.store,
		a.collector,
		logger.Named("engine"),
		a.config.Engine.MaxConcurrentUnits,
	)

	// 6. Фоновая чистка устаревших задач.
	sw, err := sweeper.New(
		a.store,
		a.collector,
		logger.Named("sweeper"),
		a.config.Retention.SweepInterval,
		a.config.Retention.TTL,
		a.config.Retention.SweepWorkers,
	)
	if err != nil {
		return fmt.Errorf("ошибка инициализации чистильщика: %w", err)
	}
	a.sweeper = sw

	// 7. HTTP сервер.
	if err := a.initializeServer(); err != nil {
		return fmt.Errorf("ошибка настройки сервера: %w", err)
	}

	a.logger.Info("приложение готово к работе")
	return nil
}

// initializeServer настраивает HTTP-роутинг и middleware.
func (a *App) initializeServer() error {
	taskHandler := handlers.NewTaskHandler(a.orchestrator, a.snapshots, a.logger)

	r := chi.NewRouter()

	// Health и metrics без middleware, чтобы отвечать быстро и надежно.
	r.Get("/health", a.healthCheckHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Ограничитель одновременных запросов — тот же FIFO-семафор,
	// что и в движке.
	sem := dispatch.NewSemaphore(a.config.Server.MaxConcurrent)
	requestTimeout := time.Duration(a.config.Server.RequestTimeout) * time.Second

	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.TimeoutMiddleware(requestTimeout))
		r.Use(middleware.ConcurrencyLimitMiddleware(sem, a.logger))

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/stale", taskHandler.ListStaleTasks)      // GET /tasks/stale?older_than=168h
			r.Get("/{id}", taskHandler.GetTask)              // GET /tasks/{id}
			r.Get("/{id}/results", taskHandler.GetResults)   // GET /tasks/{id}/results
			r.Get("/{id}/results/{index}", taskHandler.GetResult)
			r.Get("/{id}/indices", taskHandler.GetIndices)   // GET /tasks/{id}/indices
			r.Post("/{id}/cancel", taskHandler.CancelTask)   // POST /tasks/{id}/cancel
			r.Delete("/{id}", taskHandler.DeleteTask)        // DELETE /tasks/{id}
		})
	})

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return nil
}

// healthCheckHandler отвечает на проверки "ты жив?".
// Проверяет не только "я запустился", но и "могу ли я говорить с Redis".
func (a *App) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	if a.store != nil {
		if err := a.store.CheckConnection(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			health["status"] = "unhealthy"
			health["error"] = err.Error()
			json.NewEncoder(w).Encode(health)
			return
		}
		health["store"] = "connected"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// StartBackgroundJobs запускает фоновые процессы.
func (a *App) StartBackgroundJobs() {
	a.sweeper.Start()

	// Периодическая проверка здоровья в логах — для отладки "плавающих"
	// проблем с сетью.
	a.wg.Add(1)
	go a.periodicHealthCheck()
}

func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("фоновая проверка здоровья остановлена")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.CheckConnection(ctx); err != nil {
				a.logger.Warn("фоновая проверка: проблема с Redis", zap.Error(err))
			} else {
				a.logger.Debug("фоновая проверка: полёт нормальный")
			}
			cancel()
		}
	}
}

// Start запускает сервер и начинает принимать запросы.
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("запуск HTTP сервера",
			zap.String("адрес", a.server.Addr),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal("сервер упал с ошибкой", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown аккуратно останавливает приложение: не рубим питание,
// а ждем завершения текущих запросов и фоновых задач.
func (a *App) Shutdown() error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		a.logger.Info("начинаем остановку приложения...")

		// 1. Сигнал фоновым задачам остановиться.
		a.cancel()

		// 2. Останавливаем прием новых HTTP запросов.
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("ошибка при остановке сервера", zap.Error(err))
				shutdownErr = err
			}
			cancel()
		}

		// 3. Останавливаем чистильщик и кэш.
		if a.sweeper != nil {
			a.sweeper.Stop()
		}
		if a.snapshots != nil {
			a.snapshots.StopCleanupWorker()
		}

		// 4. Закрываем соединение с Redis.
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Error("ошибка при закрытии хранилища", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		// 5. Ждем, пока все горутины действительно завершатся.
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("все фоновые процессы завершены")
		case <-time.After(shutdownTimeout):
			a.logger.Warn("таймаут ожидания завершения процессов (принудительный выход)")
		}

		if a.logger != nil {
			_ = a.logger.Sync()
		}

		a.logger.Info("приложение остановлено успешно")
	})

	return shutdownErr
}

func main() {
	app := NewApp()

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Фатальная ошибка запуска: %v\n", err)
		os.Exit(1)
	}

	// Ожидание сигналов завершения от ОС (Ctrl+C или docker stop).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := app.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка при остановке: %v\n", err)
		os.Exit(1)
	}
}
