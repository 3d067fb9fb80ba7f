package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/A3S-Lab/DocuemntParser/internal/dispatch"
	"github.com/A3S-Lab/DocuemntParser/internal/domain"
	"github.com/A3S-Lab/DocuemntParser/internal/metrics"
)

const defaultMaxConcurrent = 5

// Orchestrator — публичная точка входа движка обработки страниц.
// Связывает воедино хранилище прогресса и ограничитель конкурентности.
// Главные задачи:
// 1. Вычислить resume-set: какие юниты ещё не сделаны.
// 2. Прогнать их через Bounded Dispatcher с лимитом K.
// 3. Сохранить каждый исход и атомарно финализировать задачу.
type Orchestrator struct {
	store   domain.ProgressStore
	metrics *metrics.Collector // может быть nil
	logger  *zap.Logger

	// Лимит K по умолчанию; переопределяется на задачу через ProcessOptions.
	maxConcurrent int
}

// ProcessOptions настраивает один вызов обработки.
type ProcessOptions struct {
	Config        domain.TaskConfig
	Callbacks     domain.ProcessCallbacks
	MaxConcurrent int // 0 — взять значение оркестратора
}

// NewOrchestrator создает оркестратор. Collector опционален: без него
// движок просто не пишет метрики.
func NewOrchestrator(store domain.ProgressStore, collector *metrics.Collector, logger *zap.Logger, maxConcurrent int) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Orchestrator{
		store:         store,
		metrics:       collector,
		logger:        logger,
		maxConcurrent: maxConcurrent,
	}
}

// ProcessPaginated обрабатывает задачу из total юнитов, возобновляясь с
// последнего надежно сохраненного прогресса. Падение одного юнита не
// прерывает пакет; ошибка хранилища — прерывает.
func (o *Orchestrator) ProcessPaginated(
	ctx context.Context,
	taskID string,
	total int,
	processor domain.UnitProcessor,
	opts *ProcessOptions,
) (*domain.TaskResult, error) {
	if opts == nil {
		opts = &ProcessOptions{}
	}

	// 1. Создаем или находим задачу. Если она уже завершена — это no-op:
	// возвращаем сохраненные счетчики и пустой список результатов.
	task, err := o.store.GetOrCreate(ctx, taskID, total)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskStatusCompleted {
		o.logger.Debug("задача уже завершена, пропускаем",
			zap.String("task_id", taskID),
		)
		return taskSnapshot(task), nil
	}

	// 2. Переводим в processing (для терминальной задачи — no-op).
	if err := o.store.MarkProcessing(ctx, taskID); err != nil {
		return nil, err
	}

	// 3. Вычисляем resume-set. Провальные индексы намеренно не исключаем:
	// они получают повторную попытку.
	pending, err := o.computeResumeSet(ctx, taskID, task.Total, opts.Config)
	if err != nil {
		return nil, err
	}

	o.logger.Info("начинаем обработку",
		zap.String("task_id", taskID),
		zap.Int("total", task.Total),
		zap.Int("к_обработке", len(pending)),
	)

	// 4-5. Диспетчеризация с лимитом K. Каждый юнит сохраняет свой исход
	// сразу после завершения, независимо от остальных.
	k := opts.MaxConcurrent
	if k < 1 {
		k = o.maxConcurrent
	}
	dispatcher := dispatch.NewDispatcher(k, o.logger)

	var (
		mu       sync.Mutex
		results  []*domain.UnitResult
		storeErr error
		stopped  atomic.Bool // ранняя остановка: колбэк вернул false или упало хранилище
	)

	for _, unitIndex := range pending {
		if stopped.Load() {
			break
		}

		// Кооперативная отмена: перечитываем статус перед стартом каждого
		// юнита. Уже запущенные юниты доработают, их результаты сохранятся.
		current, err := o.store.GetStatus(ctx, taskID)
		if err != nil {
			dispatcher.Wait()
			return nil, err
		}
		if current.Status == domain.TaskStatusCancelled {
			o.logger.Info("задача отменена, новые юниты не запускаем",
				zap.String("task_id", taskID),
			)
			break
		}

		idx := unitIndex
		if err := dispatcher.Go(ctx, func() {
			result, err := o.processUnit(ctx, taskID, idx, processor, opts.Callbacks, &stopped)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if storeErr == nil {
					storeErr = err
				}
				stopped.Store(true)
				return
			}
			results = append(results, result)
		}); err != nil {
			// Контекст отменили, пока ждали разрешение — дорабатываем то,
			// что уже запущено, и выходим с ошибкой контекста.
			dispatcher.Wait()
			return nil, err
		}
	}

	dispatcher.Wait()

	mu.Lock()
	invocationResults := results
	failure := storeErr
	mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	// 6. Все запущенные юниты учтены — атомарно пересчитываем счетчики и,
	// если все юниты задачи закрыты, финализируем её.
	agg, err := o.store.AggregateAndMaybeFinalize(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if agg.IsTerminal {
		o.recordFinalized(agg.Status)
	}

	sort.Slice(invocationResults, func(i, j int) bool {
		return invocationResults[i].UnitIndex < invocationResults[j].UnitIndex
	})

	// 7. Отдаем результаты именно этого вызова, не всю историю.
	return &domain.TaskResult{
		TaskID:     taskID,
		Total:      task.Total,
		Completed:  agg.Completed,
		Failed:     agg.Failed,
		Percentage: agg.Percentage,
		Status:     agg.Status,
		Results:    invocationResults,
	}, nil
}

// ProcessWhole обрабатывает работу без постраничной декомпозиции как
// задачу из одного юнита. Машина состояний и хранилище те же, поэтому
// статус, отмена и запросы работают одинаково для обоих режимов.
func (o *Orchestrator) ProcessWhole(ctx context.Context, taskID string, fn domain.WorkFunc) (*domain.WholeResult, error) {
	task, err := o.store.GetOrCreate(ctx, taskID, 1)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskStatusCompleted {
		whole := &domain.WholeResult{TaskID: taskID, Status: task.Status}
		if stored, err := o.store.GetResult(ctx, taskID, 1); err == nil {
			whole.Result = stored.Payload
		}
		return whole, nil
	}

	if err := o.store.MarkProcessing(ctx, taskID); err != nil {
		return nil, err
	}

	var stopped atomic.Bool
	processor := func(ctx context.Context, _ int) (string, error) {
		return fn(ctx)
	}
	result, err := o.processUnit(ctx, taskID, 1, processor, domain.ProcessCallbacks{}, &stopped)
	if err != nil {
		return nil, err
	}

	agg, err := o.store.AggregateAndMaybeFinalize(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if agg.IsTerminal {
		o.recordFinalized(agg.Status)
	}

	whole := &domain.WholeResult{
		TaskID: taskID,
		Status: agg.Status,
		Result: result.Payload,
		Error:  result.Error,
	}
	return whole, nil
}

// processUnit выполняет один юнит и надежно сохраняет его исход.
// Ошибка юнита — штатный исход (записываем и считаем); ошибка хранилища —
// возвращается наверх и фатальна для вызова.
func (o *Orchestrator) processUnit(
	ctx context.Context,
	taskID string,
	unitIndex int,
	processor domain.UnitProcessor,
	callbacks domain.ProcessCallbacks,
	stopped *atomic.Bool,
) (*domain.UnitResult, error) {
	if o.metrics != nil {
		o.metrics.UnitStarted()
		defer o.metrics.UnitFinished()
	}

	start := time.Now()
	payload, procErr := processor(ctx, unitIndex)
	elapsed := time.Since(start)

	result := &domain.UnitResult{
		UnitIndex:  unitIndex,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now().UnixMilli(),
	}

	if procErr != nil {
		// Сообщение об ошибке сохраняем дословно, не нормализуя.
		result.Status = domain.UnitStatusFailed
		result.Error = procErr.Error()

		if err := o.store.RecordUnitResult(ctx, taskID, result); err != nil {
			return nil, err
		}
		if err := o.store.MarkFailed(ctx, taskID, unitIndex); err != nil {
			return nil, err
		}

		if o.metrics != nil {
			o.metrics.RecordUnitFailure(elapsed.Seconds())
		}
		o.logger.Warn("юнит завершился с ошибкой",
			zap.String("task_id", taskID),
			zap.Int("unit_index", unitIndex),
			zap.Duration("duration", elapsed),
			zap.Error(procErr),
		)

		if callbacks.OnFailure != nil && !callbacks.OnFailure(result) {
			stopped.Store(true)
		}
		return result, nil
	}

	result.Status = domain.UnitStatusSuccess
	result.Payload = payload

	if err := o.store.RecordUnitResult(ctx, taskID, result); err != nil {
		return nil, err
	}
	if err := o.store.MarkProcessed(ctx, taskID, unitIndex); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordUnitSuccess(elapsed.Seconds())
	}
	o.logger.Debug("юнит обработан",
		zap.String("task_id", taskID),
		zap.Int("unit_index", unitIndex),
		zap.Duration("duration", elapsed),
	)

	if callbacks.OnSuccess != nil && !callbacks.OnSuccess(result) {
		stopped.Store(true)
	}
	return result, nil
}

// computeResumeSet возвращает отсортированные индексы, которые ещё нужно
// обработать: диапазон [1, total] (или onlyUnits) минус уже успешные
// минус skipUnits.
func (o *Orchestrator) computeResumeSet(ctx context.Context, taskID string, total int, cfg domain.TaskConfig) ([]int, error) {
	processed, err := o.store.GetProcessedIndices(ctx, taskID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[int]struct{}, len(processed)+len(cfg.SkipUnits))
	for _, idx := range processed {
		exclude[idx] = struct{}{}
	}
	for _, idx := range cfg.SkipUnits {
		exclude[idx] = struct{}{}
	}

	var candidates []int
	if len(cfg.OnlyUnits) > 0 {
		candidates = make([]int, 0, len(cfg.OnlyUnits))
		seen := make(map[int]struct{}, len(cfg.OnlyUnits))
		for _, idx := range cfg.OnlyUnits {
			if idx < 1 || idx > total {
				continue
			}
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			candidates = append(candidates, idx)
		}
		sort.Ints(candidates)
	} else {
		candidates = make([]int, 0, total)
		for idx := 1; idx <= total; idx++ {
			candidates = append(candidates, idx)
		}
	}

	pending := make([]int, 0, len(candidates))
	for _, idx := range candidates {
		if _, skip := exclude[idx]; skip {
			continue
		}
		pending = append(pending, idx)
	}
	return pending, nil
}

// GetStatus возвращает снимок задачи.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	return o.store.GetStatus(ctx, taskID)
}

// GetResult возвращает сохраненный результат одного юнита.
func (o *Orchestrator) GetResult(ctx context.Context, taskID string, unitIndex int) (*domain.UnitResult, error) {
	return o.store.GetResult(ctx, taskID, unitIndex)
}

// GetAllResults возвращает все сохраненные результаты задачи.
func (o *Orchestrator) GetAllResults(ctx context.Context, taskID string) ([]*domain.UnitResult, error) {
	return o.store.GetAllResults(ctx, taskID)
}

// GetProcessedIndices возвращает индексы успешных юнитов.
func (o *Orchestrator) GetProcessedIndices(ctx context.Context, taskID string) ([]int, error) {
	return o.store.GetProcessedIndices(ctx, taskID)
}

// GetFailedIndices возвращает индексы провальных юнитов.
func (o *Orchestrator) GetFailedIndices(ctx context.Context, taskID string) ([]int, error) {
	return o.store.GetFailedIndices(ctx, taskID)
}

// Cancel кооперативно отменяет задачу: выставляет долговечный флаг,
// который оркестратор проверяет перед запуском каждого нового юнита.
// Уже летящие юниты не прерываются.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := o.store.Cancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cancelled {
		o.recordFinalized(domain.TaskStatusCancelled)
		o.logger.Info("задача отменена", zap.String("task_id", taskID))
	}
	return cancelled, nil
}

// Delete удаляет задачу со всеми результатами.
func (o *Orchestrator) Delete(ctx context.Context, taskID string) error {
	if err := o.store.Delete(ctx, taskID); err != nil {
		return err
	}
	o.logger.Info("задача удалена", zap.String("task_id", taskID))
	return nil
}

// ListStaleTasks возвращает терминальные задачи старше порога.
func (o *Orchestrator) ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("некорректный порог давности: %v", olderThan)
	}
	return o.store.ListStale(ctx, olderThan)
}

func (o *Orchestrator) recordFinalized(status domain.TaskStatus) {
	if o.metrics != nil {
		o.metrics.RecordTaskFinalized(string(status))
	}
}

func taskSnapshot(task *domain.Task) *domain.TaskResult {
	return &domain.TaskResult{
		TaskID:     task.TaskID,
		Total:      task.Total,
		Completed:  task.Completed,
		Failed:     task.Failed,
		Percentage: task.Percentage,
		Status:     task.Status,
		Results:    []*domain.UnitResult{},
	}
}
