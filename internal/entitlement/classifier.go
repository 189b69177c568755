// Package entitlement реализует ядро прав доступа: классификацию цифровых
// корзин, правило наращивания срока действия и шаг продления доступа
// с компенсацией.
package entitlement

import (
	"context"
	"strconv"

	"github.com/nocodeguys/digital-pass-system/internal/model"
)

// VariantResolver возвращает метаданные варианта товара по его идентификатору.
// Ошибка поиска трактуется классификатором как нецифровая позиция.
type VariantResolver func(ctx context.Context, variantID string) (map[string]any, error)

// ClassifyItems проверяет, состоит ли набор позиций только из цифровых
// товаров, и считает суммарное количество дней доступа. Пустой набор
// не является цифровым (пустая корзина отклоняется). Сумма дней считается
// по всем позициям независимо от их флага is_digital.
func ClassifyItems(ctx context.Context, items []model.LineItem, resolve VariantResolver) model.Classification {
	result := model.Classification{
		IsDigitalEligible: len(items) > 0,
		Items:             make([]model.ClassifiedItem, 0, len(items)),
	}

	for _, item := range items {
		isDigital := false
		accessDays := 0

		if item.VariantID != nil {
			meta, err := resolve(ctx, *item.VariantID)
			if err == nil {
				isDigital = IsDigital(meta)
				accessDays = AccessDays(meta)
			}
		}

		title := item.Title
		if title == "" {
			title = "Unknown"
		}

		result.Items = append(result.Items, model.ClassifiedItem{
			ID:         item.ID,
			Title:      title,
			Quantity:   item.Quantity,
			IsDigital:  isDigital,
			AccessDays: accessDays,
		})

		result.TotalAccessDays += accessDays * item.Quantity

		if !isDigital {
			result.IsDigitalEligible = false
		}
	}

	return result
}

// IsDigital сообщает, помечен ли вариант как цифровой. Схема метаданных
// не типизирована: принимаются булево true и строка "true".
func IsDigital(meta map[string]any) bool {
	switch v := meta[model.MetaIsDigital].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// AccessDays возвращает количество дней доступа из метаданных варианта.
// Значение может быть числом или числовой строкой; отсутствующее или
// неразбираемое значение даёт 0.
func AccessDays(meta map[string]any) int {
	switch v := meta[model.MetaAccessDays].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		days, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return days
	default:
		return 0
	}
}
