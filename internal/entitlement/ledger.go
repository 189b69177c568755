package entitlement

import (
	"math"
	"time"

	"github.com/nocodeguys/digital-pass-system/internal/model"
)

// Extend вычисляет новый срок действия доступа по правилу наращивания:
// если текущий срок ещё не истёк, дни добавляются к нему, иначе — к now.
// Используется календарная арифметика (AddDate), а не фиксированные
// 24-часовые интервалы, чтобы переходы на летнее время и разная длина
// месяцев не смещали дату окончания.
func Extend(currentExpiry *time.Time, daysToAdd int, now time.Time) time.Time {
	base := now
	if currentExpiry != nil && currentExpiry.After(now) {
		base = *currentExpiry
	}
	return base.AddDate(0, 0, daysToAdd)
}

// ParseExpiry извлекает срок действия доступа из metadata покупателя.
// Возвращает nil, если срок не записан или значение не разбирается.
func ParseExpiry(meta map[string]any) *time.Time {
	raw, ok := meta[model.MetaAccessExpiresAt].(string)
	if !ok || raw == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// FormatExpiry сериализует срок действия для записи в metadata.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Status возвращает производное состояние доступа и, для активного
// доступа, число оставшихся дней (округление вверх). Поле статуса нигде
// не хранится — состояние всегда вычисляется из срока действия.
func Status(expiresAt *time.Time, now time.Time) (model.AccessStatus, int) {
	if expiresAt == nil {
		return model.AccessNone, 0
	}
	if !expiresAt.After(now) {
		return model.AccessExpired, 0
	}

	daysRemaining := int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
	return model.AccessActive, daysRemaining
}
