package attribution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/affiliate/internal/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name          string
		order         model.Order
		customer      *model.Customer
		wantAffiliate string
		wantSource    string
	}{
		{
			name:          "direct click",
			order:         model.Order{ID: "1", AffiliateID: "a1", CustomerID: "c1"},
			customer:      &model.Customer{ID: "c1", ReferredByAffiliateID: "a2"},
			wantAffiliate: "a1",
			wantSource:    model.AttributionDirectClick,
		},
		{
			name:          "lifetime link",
			order:         model.Order{ID: "2", CustomerID: "c1"},
			customer:      &model.Customer{ID: "c1", ReferredByAffiliateID: "a2"},
			wantAffiliate: "a2",
			wantSource:    model.AttributionLifetimeLink,
		},
		{
			name:     "customer without link",
			order:    model.Order{ID: "3", CustomerID: "c1"},
			customer: &model.Customer{ID: "c1"},
		},
		{
			name:  "guest",
			order: model.Order{ID: "4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			affiliateID, source := Resolve(tt.order, tt.customer)
			require.Equal(t, tt.wantAffiliate, affiliateID)
			require.Equal(t, tt.wantSource, source)
		})
	}
}
