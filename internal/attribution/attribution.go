package attribution

import (
	"github.com/iurnickita/affiliate/internal/model"
)

// Resolve определяет партнера, которому засчитывается заказ.
// Прямая атрибуция по клику важнее пожизненной привязки покупателя.
// Пустой affiliateID - заказ ни к кому не относится.
func Resolve(order model.Order, customer *model.Customer) (affiliateID string, source string) {
	if order.AffiliateID != "" {
		return order.AffiliateID, model.AttributionDirectClick
	}
	if customer != nil && customer.ReferredByAffiliateID != "" {
		return customer.ReferredByAffiliateID, model.AttributionLifetimeLink
	}
	return "", ""
}
