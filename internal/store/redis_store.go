package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/A3S-Lab/DocuemntParser/internal/domain"
)

const (
	// Префикс ключей по умолчанию. Все ключи задачи живут под
	// {prefix}:{taskId}:...
	defaultKeyPrefix = "docparser"

	// Сколько храним брошенные задачи, прежде чем Redis сам их удалит.
	defaultRetentionTTL = 7 * 24 * time.Hour

	// Настройки подключения. Redis обычно стартует быстро, но при деплое
	// может быть недоступен пару секунд.
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// HealthStatus хранит текущее состояние подключения к Redis.
// Используется health-check'ами, чтобы читать статус без блокировок.
type HealthStatus struct {
	IsHealthy bool
	LastCheck time.Time
	LastError error
}

// Options задает параметры подключения и пространство ключей хранилища.
type Options struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	RetentionTTL time.Duration
}

// RedisProgressStore — прослойка между движком обработки и Redis.
// Держит всю межпроцессную консистентность на серверных Lua-скриптах:
// ни один счетчик не обновляется по схеме "прочитал-посчитал-записал"
// на стороне клиента.
type RedisProgressStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	// Атомарное хранилище статуса здоровья.
	healthStatus atomic.Value // хранит *HealthStatus
}

// Скрипты выполняются на сервере атомарно — это и есть гарантия того,
// что два одновременных завершения юнитов не потеряют обновление.
var (
	// getOrCreate: создать запись задачи, если её нет, иначе вернуть
	// существующую без изменений. Победитель среди конкурентных первых
	// вызовов ровно один.
	getOrCreateScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  return cur
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return ARGV[1]`)

	// markProcessing: перевести нетерминальную задачу в processing.
	markProcessingScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return false
end
local t = cjson.decode(cur)
if t.status == "completed" or t.status == "failed" or t.status == "cancelled" then
  return cur
end
if t.status ~= "processing" then
  t.status = "processing"
  cur = cjson.encode(t)
end
redis.call("SET", KEYS[1], cur, "EX", ARGV[1])
return cur`)

	// aggregate: пересчитать счетчики из мощностей множеств и, если все
	// юниты учтены, перевести задачу в терминальный статус одним ходом.
	aggregateScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return false
end
local t = cjson.decode(cur)
local completed = redis.call("SCARD", KEYS[2])
local failed = redis.call("SCARD", KEYS[3])
t.completed = completed
t.failed = failed
if t.total > 0 then
  t.percentage = math.floor((completed + failed) / t.total * 100)
end
local terminal = 0
if t.status == "completed" or t.status == "failed" or t.status == "cancelled" then
  terminal = 1
elseif completed + failed >= t.total then
  if completed > 0 or failed == 0 then
    t.status = "completed"
  else
    t.status = "failed"
  end
  t.end_time = tonumber(ARGV[1])
  t.duration_ms = t.end_time - t.start_time
  terminal = 1
end
redis.call("SET", KEYS[1], cjson.encode(t), "EX", ARGV[2])
return {completed, failed, t.percentage, t.status, terminal}`)

	// cancel: выставить cancelled и время окончания, если задача ещё жива.
	cancelScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return false
end
local t = cjson.decode(cur)
if t.status == "completed" or t.status == "failed" or t.status == "cancelled" then
  return 0
end
t.status = "cancelled"
t.end_time = tonumber(ARGV[1])
t.duration_ms = t.end_time - t.start_time
redis.call("SET", KEYS[1], cjson.encode(t), "EX", ARGV[2])
return 1`)
)

// NewRedisProgressStore создает хранилище и сразу проверяет соединение.
// Подключение ретраится: при деплое Redis может подняться позже нас.
func NewRedisProgressStore(opts Options, logger *zap.Logger) (*RedisProgressStore, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = defaultRetentionTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := &RedisProgressStore{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.RetentionTTL,
		logger: logger,
	}
	s.healthStatus.Store(&HealthStatus{IsHealthy: false, LastCheck: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			logger.Info("повторная попытка подключения к Redis",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := client.Ping(ctx).Err(); err != nil {
			lastErr = err
			logger.Warn("Redis не отвечает на PING",
				zap.Int("попытка", attempt+1),
				zap.Error(err),
			)
			continue
		}

		s.updateHealthStatus(true, nil)
		logger.Info("подключились к Redis", zap.String("addr", opts.Addr))
		return s, nil
	}

	client.Close()
	return nil, fmt.Errorf("не удалось подключиться к Redis после %d попыток: %w", defaultMaxRetries, lastErr)
}

// CheckConnection проверяет, живо ли соединение (реализует domain.HealthChecker).
func (s *RedisProgressStore) CheckConnection(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	s.updateHealthStatus(err == nil, err)
	return err
}

// GetHealthStatus возвращает последний известный статус без похода в Redis.
func (s *RedisProgressStore) GetHealthStatus() *HealthStatus {
	return s.healthStatus.Load().(*HealthStatus)
}

func (s *RedisProgressStore) updateHealthStatus(healthy bool, err error) {
	s.healthStatus.Store(&HealthStatus{
		IsHealthy: healthy,
		LastCheck: time.Now(),
		LastError: err,
	})
}

// Close закрывает соединение с Redis.
func (s *RedisProgressStore) Close() error {
	return s.client.Close()
}

// GetOrCreate атомарно создает запись задачи либо возвращает существующую.
// Total фиксируется создателем; проигравший конкурентный вызов получает
// запись победителя, а не свою.
func (s *RedisProgressStore) GetOrCreate(ctx context.Context, taskID string, total int) (*domain.Task, error) {
	if total <= 0 {
		return nil, fmt.Errorf("задача %q: %w", taskID, domain.ErrInvalidTotal)
	}

	fresh := &domain.Task{
		TaskID:    taskID,
		Total:     total,
		Status:    domain.TaskStatusPending,
		StartTime: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("сериализация задачи: %w", err)
	}

	raw, err := getOrCreateScript.Run(ctx, s.client,
		[]string{s.progressKey(taskID)},
		string(payload), s.ttlSeconds(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("get-or-create задачи %q: %w", taskID, err)
	}

	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("десериализация задачи %q: %w", taskID, err)
	}
	return &task, nil
}

// MarkProcessing переводит задачу в processing. Для терминальной задачи —
// no-op, для отсутствующей — ErrTaskNotFound.
func (s *RedisProgressStore) MarkProcessing(ctx context.Context, taskID string) error {
	err := markProcessingScript.Run(ctx, s.client,
		[]string{s.progressKey(taskID)},
		s.ttlSeconds(),
	).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("задача %q: %w", taskID, domain.ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("перевод задачи %q в processing: %w", taskID, err)
	}
	return nil
}

// RecordUnitResult сохраняет результат юнита. Последняя запись побеждает:
// повторная попытка просто перезапишет предыдущий результат этого индекса.
func (s *RedisProgressStore) RecordUnitResult(ctx context.Context, taskID string, result *domain.UnitResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("сериализация результата юнита: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.unitKey(taskID, result.UnitIndex), payload, s.ttl)
	// Каждая мутация продлевает жизнь всей задаче.
	pipe.Expire(ctx, s.progressKey(taskID), s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("запись результата юнита %d задачи %q: %w", result.UnitIndex, taskID, err)
	}
	return nil
}

// MarkProcessed добавляет индекс в множество успешных и убирает его из
// множества провалов: успешный повтор не должен навсегда числиться ошибкой,
// иначе completed+failed уползает выше total.
func (s *RedisProgressStore) MarkProcessed(ctx context.Context, taskID string, unitIndex int) error {
	member := strconv.Itoa(unitIndex)

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.processedKey(taskID), member)
	pipe.SRem(ctx, s.failedKey(taskID), member)
	pipe.Expire(ctx, s.processedKey(taskID), s.ttl)
	pipe.Expire(ctx, s.failedKey(taskID), s.ttl)
	pipe.Expire(ctx, s.progressKey(taskID), s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("отметка юнита %d задачи %q как успешного: %w", unitIndex, taskID, err)
	}
	return nil
}

// MarkFailed добавляет индекс в множество провалов.
func (s *RedisProgressStore) MarkFailed(ctx context.Context, taskID string, unitIndex int) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.failedKey(taskID), strconv.Itoa(unitIndex))
	pipe.Expire(ctx, s.failedKey(taskID), s.ttl)
	pipe.Expire(ctx, s.progressKey(taskID), s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("отметка юнита %d задачи %q как провального: %w", unitIndex, taskID, err)
	}
	return nil
}

// AggregateAndMaybeFinalize пересчитывает счетчики и при необходимости
// финализирует задачу. Безопасно звать из любого числа конкурентных
// завершений: весь пересчет идет одним серверным скриптом.
func (s *RedisProgressStore) AggregateAndMaybeFinalize(ctx context.Context, taskID string) (*domain.Aggregate, error) {
	raw, err := aggregateScript.Run(ctx, s.client,
		[]string{s.progressKey(taskID), s.processedKey(taskID), s.failedKey(taskID)},
		time.Now().UnixMilli(), s.ttlSeconds(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("задача %q: %w", taskID, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("агрегация задачи %q: %w", taskID, err)
	}
	if len(raw) != 5 {
		return nil, fmt.Errorf("агрегация задачи %q: неожиданный ответ скрипта (%d полей)", taskID, len(raw))
	}

	status := domain.TaskStatus(raw[3].(string))
	return &domain.Aggregate{
		Completed:  int(raw[0].(int64)),
		Failed:     int(raw[1].(int64)),
		Percentage: int(raw[2].(int64)),
		Status:     status,
		IsTerminal: raw[4].(int64) == 1,
	}, nil
}

// GetStatus возвращает текущую запись задачи.
func (s *RedisProgressStore) GetStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	raw, err := s.client.Get(ctx, s.progressKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("задача %q: %w", taskID, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("чтение задачи %q: %w", taskID, err)
	}

	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("десериализация задачи %q: %w", taskID, err)
	}
	return &task, nil
}

// GetProcessedIndices возвращает отсортированные индексы успешных юнитов.
func (s *RedisProgressStore) GetProcessedIndices(ctx context.Context, taskID string) ([]int, error) {
	return s.setIndices(ctx, s.processedKey(taskID))
}

// GetFailedIndices возвращает отсортированные индексы провальных юнитов.
func (s *RedisProgressStore) GetFailedIndices(ctx context.Context, taskID string) ([]int, error) {
	return s.setIndices(ctx, s.failedKey(taskID))
}

func (s *RedisProgressStore) setIndices(ctx context.Context, key string) ([]int, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение множества %q: %w", key, err)
	}

	indices := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			// Чужеродный элемент в множестве — пишем в лог и пропускаем.
			s.logger.Warn("некорректный индекс в множестве",
				zap.String("key", key),
				zap.String("member", m),
			)
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// GetResult возвращает сохраненный результат одного юнита.
func (s *RedisProgressStore) GetResult(ctx context.Context, taskID string, unitIndex int) (*domain.UnitResult, error) {
	raw, err := s.client.Get(ctx, s.unitKey(taskID, unitIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("юнит %d задачи %q: %w", unitIndex, taskID, domain.ErrUnitNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("чтение результата юнита %d задачи %q: %w", unitIndex, taskID, err)
	}

	var result domain.UnitResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("десериализация результата юнита %d: %w", unitIndex, err)
	}
	return &result, nil
}

// GetAllResults возвращает все сохраненные результаты, отсортированные по
// индексу. Индексы берем из объединения обоих множеств, сами результаты
// читаем одним пайплайном.
func (s *RedisProgressStore) GetAllResults(ctx context.Context, taskID string) ([]*domain.UnitResult, error) {
	indices, err := s.client.SUnion(ctx, s.processedKey(taskID), s.failedKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("чтение индексов задачи %q: %w", taskID, err)
	}
	if len(indices) == 0 {
		return []*domain.UnitResult{}, nil
	}

	parsed := make([]int, 0, len(indices))
	for _, m := range indices {
		if idx, err := strconv.Atoi(m); err == nil {
			parsed = append(parsed, idx)
		}
	}
	sort.Ints(parsed)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(parsed))
	for i, idx := range parsed {
		cmds[i] = pipe.Get(ctx, s.unitKey(taskID, idx))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("чтение результатов задачи %q: %w", taskID, err)
	}

	results := make([]*domain.UnitResult, 0, len(parsed))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			// Ключ результата истек раньше множеств — пропускаем.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("чтение результата задачи %q: %w", taskID, err)
		}
		var result domain.UnitResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("десериализация результата задачи %q: %w", taskID, err)
		}
		results = append(results, &result)
	}
	return results, nil
}

// Cancel выставляет задаче статус cancelled, если она ещё не терминальна.
func (s *RedisProgressStore) Cancel(ctx context.Context, taskID string) (bool, error) {
	res, err := cancelScript.Run(ctx, s.client,
		[]string{s.progressKey(taskID)},
		time.Now().UnixMilli(), s.ttlSeconds(),
	).Int64()
	if errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("задача %q: %w", taskID, domain.ErrTaskNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("отмена задачи %q: %w", taskID, err)
	}
	return res == 1, nil
}

// Delete удаляет все ключи задачи: запись прогресса, оба множества и
// результаты всех юнитов.
func (s *RedisProgressStore) Delete(ctx context.Context, taskID string) error {
	// Total нужен, чтобы знать диапазон юнит-ключей. Если записи уже нет,
	// подчищаем то, что осталось.
	total := 0
	if task, err := s.GetStatus(ctx, taskID); err == nil {
		total = task.Total
	} else if !errors.Is(err, domain.ErrTaskNotFound) {
		return err
	}

	keys := []string{
		s.progressKey(taskID),
		s.processedKey(taskID),
		s.failedKey(taskID),
	}
	for i := 1; i <= total; i++ {
		keys = append(keys, s.unitKey(taskID, i))
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("удаление задачи %q: %w", taskID, err)
	}
	return nil
}

// ListStale возвращает идентификаторы терминальных задач, закончившихся
// раньше указанного порога. Обходит пространство ключей через SCAN,
// чтобы не блокировать Redis на больших объемах.
func (s *RedisProgressStore) ListStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	pattern := s.prefix + ":*:progress"

	var stale []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // истек между SCAN и GET
		}
		if err != nil {
			return nil, fmt.Errorf("чтение %q при поиске устаревших задач: %w", key, err)
		}

		var task domain.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			s.logger.Warn("нечитаемая запись прогресса", zap.String("key", key), zap.Error(err))
			continue
		}

		if task.Status.IsTerminal() && task.EndTime > 0 && task.EndTime < cutoff {
			stale = append(stale, s.taskIDFromKey(key))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("обход пространства ключей: %w", err)
	}
	return stale, nil
}

/* ----------------------- Ключи ----------------------- */

func (s *RedisProgressStore) progressKey(taskID string) string {
	return fmt.Sprintf("%s:%s:progress", s.prefix, taskID)
}

func (s *RedisProgressStore) unitKey(taskID string, unitIndex int) string {
	return fmt.Sprintf("%s:%s:unit:%d", s.prefix, taskID, unitIndex)
}

func (s *RedisProgressStore) processedKey(taskID string) string {
	return fmt.Sprintf("%s:%s:processed", s.prefix, taskID)
}

func (s *RedisProgressStore) failedKey(taskID string) string {
	return fmt.Sprintf("%s:%s:failed", s.prefix, taskID)
}

func (s *RedisProgressStore) taskIDFromKey(progressKey string) string {
	id := strings.TrimPrefix(progressKey, s.prefix+":")
	return strings.TrimSuffix(id, ":progress")
}

func (s *RedisProgressStore) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

// Проверка соответствия интерфейсам.
var (
	_ domain.ProgressStore = (*RedisProgressStore)(nil)
	_ domain.HealthChecker = (*RedisProgressStore)(nil)
)
