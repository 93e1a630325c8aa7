package model

import (
	"errors"
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownCondition = errors.New("unknown rule condition")
	ErrUnknownAction    = errors.New("unknown rule action")
)

// Глобальное правило комиссии. Условия объединяются через И.
// Правило с неизвестным условием или действием помечается Invalid и никогда не срабатывает.
type CommissionRule struct {
	ID         string
	Conditions []Condition
	Action     RuleAction
	Invalid    error

	// нераспознанные условия сохраняются как есть, чтобы не потерять их при повторной сериализации
	rejected map[string]jsoniter.RawMessage
}

const (
	CustomerTypeNew       = "NEW"
	CustomerTypeReturning = "RETURNING"
)

// Данные, по которым проверяются условия правила
type RuleContext struct {
	OrderTotal   decimal.Decimal
	CategoryIDs  []string
	CustomerType string
}

type ConditionKind string

const (
	ConditionMinOrderAmount ConditionKind = "min_order_amount"
	ConditionCategoryIDs    ConditionKind = "category_ids"
	ConditionCustomerType   ConditionKind = "customer_type"
)

type Condition interface {
	Kind() ConditionKind
	Holds(rc RuleContext) bool
}

type MinOrderAmount struct {
	Amount decimal.Decimal
}

func (MinOrderAmount) Kind() ConditionKind { return ConditionMinOrderAmount }

func (c MinOrderAmount) Holds(rc RuleContext) bool {
	return rc.OrderTotal.GreaterThanOrEqual(c.Amount)
}

type CategoryIn struct {
	IDs []string
}

func (CategoryIn) Kind() ConditionKind { return ConditionCategoryIDs }

func (c CategoryIn) Holds(rc RuleContext) bool {
	for _, id := range rc.CategoryIDs {
		if slices.Contains(c.IDs, id) {
			return true
		}
	}
	return false
}

type CustomerTypeIs struct {
	Type string
}

func (CustomerTypeIs) Kind() ConditionKind { return ConditionCustomerType }

func (c CustomerTypeIs) Holds(rc RuleContext) bool {
	return c.Type == rc.CustomerType
}

type RuleAction struct {
	Type  string
	Value decimal.Decimal
}

// Matches - первое полное совпадение выигрывает, поэтому без весов
func (r CommissionRule) Matches(rc RuleContext) bool {
	if r.Invalid != nil {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Holds(rc) {
			return false
		}
	}
	return true
}

// JSON формат правила, в котором оно хранится в БД и кэше:
// {"id":"..","conditions":{"min_order_amount":"100","category_ids":["c1"],"customer_type":"NEW"},
//  "action":{"type":"PERCENTAGE","value":"5"}}

type ruleJSON struct {
	ID         string                         `json:"id"`
	Conditions map[string]jsoniter.RawMessage `json:"conditions,omitempty"`
	Action     actionJSON                     `json:"action"`
}

type actionJSON struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

func (r CommissionRule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{
		ID:         r.ID,
		Conditions: make(map[string]jsoniter.RawMessage, len(r.Conditions)),
		Action:     actionJSON{Type: r.Action.Type, Value: r.Action.Value},
	}
	for _, c := range r.Conditions {
		var raw []byte
		var err error
		switch c := c.(type) {
		case MinOrderAmount:
			raw, err = json.Marshal(c.Amount)
		case CategoryIn:
			raw, err = json.Marshal(c.IDs)
		case CustomerTypeIs:
			raw, err = json.Marshal(c.Type)
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownCondition, c)
		}
		if err != nil {
			return nil, err
		}
		out.Conditions[string(c.Kind())] = raw
	}
	for key, raw := range r.rejected {
		out.Conditions[key] = raw
	}
	return json.Marshal(out)
}

func (r *CommissionRule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = CommissionRule{ID: in.ID}

	// фиксированный порядок проверки условий
	for _, kind := range []ConditionKind{ConditionMinOrderAmount, ConditionCategoryIDs, ConditionCustomerType} {
		raw, ok := in.Conditions[string(kind)]
		if !ok {
			continue
		}
		delete(in.Conditions, string(kind))
		cond, err := decodeCondition(kind, raw)
		if err != nil {
			r.reject(string(kind), raw, err)
			continue
		}
		if cond != nil {
			r.Conditions = append(r.Conditions, cond)
		}
	}
	for key, raw := range in.Conditions {
		r.reject(key, raw, fmt.Errorf("%w: %s", ErrUnknownCondition, key))
	}

	r.Action = RuleAction{Type: in.Action.Type, Value: in.Action.Value}
	switch in.Action.Type {
	case CommissionTypePercentage, CommissionTypeFixed:
	default:
		r.Invalid = fmt.Errorf("%w: %q", ErrUnknownAction, in.Action.Type)
	}
	return nil
}

func (r *CommissionRule) reject(key string, raw jsoniter.RawMessage, err error) {
	if r.rejected == nil {
		r.rejected = make(map[string]jsoniter.RawMessage)
	}
	r.rejected[key] = raw
	r.Invalid = err
}

func decodeCondition(kind ConditionKind, raw jsoniter.RawMessage) (Condition, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case ConditionMinOrderAmount:
		var amount decimal.Decimal
		if err := json.Unmarshal(raw, &amount); err != nil {
			return nil, err
		}
		return MinOrderAmount{Amount: amount}, nil
	case ConditionCategoryIDs:
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return CategoryIn{IDs: ids}, nil
	case ConditionCustomerType:
		var t string
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		if t != CustomerTypeNew && t != CustomerTypeReturning {
			return nil, fmt.Errorf("%w: customer_type %q", ErrUnknownCondition, t)
		}
		return CustomerTypeIs{Type: t}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, kind)
}
