package program

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/program/config"
	"github.com/iurnickita/affiliate/internal/store"
)

// счетчик обращений к хранилищу
type countingLoader struct {
	*store.MemStore
	calls int
}

func (l *countingLoader) ProgramGet(ctx context.Context) (model.Program, error) {
	l.calls++
	return l.MemStore.ProgramGet(ctx)
}

type memShared struct {
	mu   sync.Mutex
	data []byte
}

func (s *memShared) Get(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrCacheMiss
	}
	return s.data, nil
}

func (s *memShared) Set(_ context.Context, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *memShared) Del(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func TestProviderCache(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{MemStore: store.NewMemStore()}
	loader.ProgramPut(model.Program{IsActive: true, CommissionRate: decimal.NewFromInt(10)})

	p := NewProvider(config.Config{CacheTTL: time.Hour}, loader, nil, zap.NewNop())
	program, err := p.Get(ctx)
	require.NoError(t, err)
	require.True(t, program.CommissionRate.Equal(decimal.NewFromInt(10)))

	// изменение в хранилище не видно до сброса кэша
	loader.ProgramPut(model.Program{IsActive: true, CommissionRate: decimal.NewFromInt(15)})
	program, err = p.Get(ctx)
	require.NoError(t, err)
	require.True(t, program.CommissionRate.Equal(decimal.NewFromInt(10)))
	require.Equal(t, 1, loader.calls)

	require.NoError(t, p.Invalidate(ctx))
	program, err = p.Get(ctx)
	require.NoError(t, err)
	require.True(t, program.CommissionRate.Equal(decimal.NewFromInt(15)))
	require.Equal(t, 2, loader.calls)
}

func TestProviderTTL(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{MemStore: store.NewMemStore()}
	loader.ProgramPut(model.Program{IsActive: true})

	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	p := NewProvider(config.Config{CacheTTL: time.Minute}, loader, nil, zap.NewNop()).(*provider)
	p.now = func() time.Time { return now }

	_, err := p.Get(ctx)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = p.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, loader.calls)
}

func TestProviderShared(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{MemStore: store.NewMemStore()}
	var rules []model.CommissionRule
	require.NoError(t, json.Unmarshal([]byte(
		`[{"id":"r1","conditions":{"customer_type":"NEW"},"action":{"type":"FIXED","value":"3"}}]`), &rules))
	loader.ProgramPut(model.Program{IsActive: true, CommissionRate: decimal.NewFromInt(7), Rules: rules})
	shared := &memShared{}

	// первый экземпляр заполняет общий кэш
	first := NewProvider(config.Config{}, loader, shared, zap.NewNop())
	_, err := first.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, shared.data)

	// второй экземпляр читает из общего кэша
	second := NewProvider(config.Config{}, loader, shared, zap.NewNop())
	program, err := second.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)
	require.True(t, program.CommissionRate.Equal(decimal.NewFromInt(7)))
	require.Len(t, program.Rules, 1)
	require.True(t, program.Rules[0].Matches(model.RuleContext{CustomerType: model.CustomerTypeNew}))

	require.NoError(t, second.Invalidate(ctx))
	require.Nil(t, shared.data)

	// нет настроек в хранилище
	_, err = NewProvider(config.Config{}, store.NewMemStore(), nil, zap.NewNop()).Get(ctx)
	require.ErrorIs(t, err, store.ErrNoRows)
}

func TestProviderInvalidRuleLoggedOnLoad(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{MemStore: store.NewMemStore()}
	var rules []model.CommissionRule
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id":"r-ok","conditions":{"customer_type":"NEW"},"action":{"type":"FIXED","value":"3"}},
		{"id":"r-broken","conditions":{"weekday":"monday"},"action":{"type":"PERCENTAGE","value":"99"}}
	]`), &rules))
	loader.ProgramPut(model.Program{IsActive: true, Rules: rules})

	core, logs := observer.New(zapcore.WarnLevel)
	p := NewProvider(config.Config{CacheTTL: time.Hour}, loader, nil, zap.New(core))

	// из кэша повторно не пишется
	for i := 0; i < 3; i++ {
		_, err := p.Get(ctx)
		require.NoError(t, err)
	}
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "r-broken", entries[0].ContextMap()["rule"])

	// после сброса кэша правило снова проверяется при загрузке
	require.NoError(t, p.Invalidate(ctx))
	_, err := p.Get(ctx)
	require.NoError(t, err)
	require.Len(t, logs.All(), 2)
}
