package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время запуска после from.
// Учитывает timezone расписания; результат в UTC для хранения в БД.
func CalculateNextDue(cronExpr, timezone string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}

	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", cronExpr)
	}
	return next.UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// idNamespace — пространство имён для execution id запусков по расписанию.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/shaiso/procorch/schedule"))

// IdempotencyKey возвращает ключ запуска: "<process>_<due_unix>".
func IdempotencyKey(process string, due time.Time) string {
	return fmt.Sprintf("%s_%d", process, due.Unix())
}

// ExecutionID возвращает детерминированный execution id для ключа.
// Повторная публикация того же запуска получает тот же id.
func ExecutionID(key string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(key))
}
