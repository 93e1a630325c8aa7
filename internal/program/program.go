// Package program отдает настройки партнерской программы с кэшированием.
package program

import (
	"context"
	"errors"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/program/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultTTL = time.Minute

// Loader - источник настроек (store.Store)
type Loader interface {
	ProgramGet(ctx context.Context) (model.Program, error)
}

// Shared - общий для экземпляров сервиса кэш настроек
type Shared interface {
	Get(ctx context.Context) ([]byte, error)
	Set(ctx context.Context, data []byte, ttl time.Duration) error
	Del(ctx context.Context) error
}

// ErrCacheMiss - в общем кэше нет настроек
var ErrCacheMiss = errors.New("program cache miss")

type Provider interface {
	Get(ctx context.Context) (model.Program, error)
	// Invalidate сбрасывает кэш процесса и общий кэш. Следующий Get читает из хранилища.
	Invalidate(ctx context.Context) error
}

type provider struct {
	loader Loader
	shared Shared
	ttl    time.Duration
	zaplog *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	cached   *model.Program
	cachedAt time.Time
}

// NewProvider. shared может быть nil.
func NewProvider(cfg config.Config, loader Loader, shared Shared, zaplog *zap.Logger) Provider {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &provider{
		loader: loader,
		shared: shared,
		ttl:    ttl,
		zaplog: zaplog,
		now:    time.Now,
	}
}

func (p *provider) Get(ctx context.Context) (model.Program, error) {
	p.mu.RLock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < p.ttl {
		program := *p.cached
		p.mu.RUnlock()
		return program, nil
	}
	p.mu.RUnlock()

	program, err := p.load(ctx)
	if err != nil {
		return model.Program{}, err
	}
	for _, rule := range program.Rules {
		if rule.Invalid != nil {
			p.zaplog.Warn("commission rule is invalid and will be skipped",
				zap.String("rule", rule.ID),
				zap.Error(rule.Invalid))
		}
	}

	p.mu.Lock()
	p.cached = &program
	p.cachedAt = p.now()
	p.mu.Unlock()
	return program, nil
}

func (p *provider) load(ctx context.Context) (model.Program, error) {
	if p.shared != nil {
		data, err := p.shared.Get(ctx)
		switch {
		case err == nil:
			var program model.Program
			decodeErr := json.Unmarshal(data, &program)
			if decodeErr == nil {
				return program.WithDefaults(), nil
			}
			p.zaplog.Warn("program cache entry is corrupted", zap.Error(decodeErr))
		case !errors.Is(err, ErrCacheMiss):
			// общий кэш недоступен - читаем из хранилища
			p.zaplog.Warn("program cache unavailable", zap.Error(err))
		}
	}

	program, err := p.loader.ProgramGet(ctx)
	if err != nil {
		return model.Program{}, err
	}

	if p.shared != nil {
		data, err := json.Marshal(program)
		if err == nil {
			err = p.shared.Set(ctx, data, p.ttl)
		}
		if err != nil {
			p.zaplog.Warn("program cache update failed", zap.Error(err))
		}
	}
	return program, nil
}

func (p *provider) Invalidate(ctx context.Context) error {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()

	if p.shared != nil {
		return p.shared.Del(ctx)
	}
	return nil
}
