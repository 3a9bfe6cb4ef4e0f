// internal/errorhandling/handler.go
package errorhandling

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// OperationFunc is the unit of work the handler protects.
type OperationFunc func(ctx context.Context) (interface{}, error)

// FallbackFunc is an alternative strategy tried after the primary
// operation has exhausted its retries. It receives the operation
// context map so strategies can reach the URL, domain, or partial
// results of the failed attempt.
type FallbackFunc func(ctx context.Context, opCtx map[string]interface{}) (interface{}, error)

// FallbackConfig governs retry and fallback behavior for one operation.
type FallbackConfig struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay"`
	BackoffFactor   float64       `yaml:"backoff_factor" json:"backoff_factor"`
	FallbackMethods []string      `yaml:"fallback_methods" json:"fallback_methods"`

	// DefaultValue is returned when every retry and fallback fails and
	// the error is not critical. SkipOnFailure returns nil instead.
	DefaultValue  interface{} `yaml:"default_value" json:"default_value"`
	SkipOnFailure bool        `yaml:"skip_on_failure" json:"skip_on_failure"`
}

// UnmarshalYAML accepts the retry delay as a string ("1s") or
// nanoseconds.
func (c *FallbackConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries      int            `yaml:"max_retries"`
		RetryDelay      utils.Duration `yaml:"retry_delay"`
		BackoffFactor   float64        `yaml:"backoff_factor"`
		FallbackMethods []string       `yaml:"fallback_methods"`
		DefaultValue    interface{}    `yaml:"default_value"`
		SkipOnFailure   bool           `yaml:"skip_on_failure"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxRetries = raw.MaxRetries
	c.RetryDelay = time.Duration(raw.RetryDelay)
	c.BackoffFactor = raw.BackoffFactor
	c.FallbackMethods = raw.FallbackMethods
	c.DefaultValue = raw.DefaultValue
	c.SkipOnFailure = raw.SkipOnFailure
	return nil
}

// DefaultFallbackConfig returns the baseline policy for operations
// without an explicit entry.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MaxRetries:    2,
		RetryDelay:    time.Second,
		BackoffFactor: 2.0,
	}
}

type fallbackKey struct {
	operation string
	method    string
}

// Handler retries failed operations, dispatches registered fallback
// strategies in order, and degrades to defaults so one bad diocese page
// never aborts a batch. Only critical errors propagate to the caller.
type Handler struct {
	configs   map[string]FallbackConfig
	fallbacks map[fallbackKey]FallbackFunc
	metrics   *Metrics
	logger    utils.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a handler with per-operation configs. Operations
// absent from the map use DefaultFallbackConfig.
func NewHandler(configs map[string]FallbackConfig) *Handler {
	if configs == nil {
		configs = make(map[string]FallbackConfig)
	}
	return &Handler{
		configs:   configs,
		fallbacks: make(map[fallbackKey]FallbackFunc),
		metrics:   NewMetrics(),
		logger:    utils.NewComponentLogger("errorhandling"),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RegisterFallback binds a named strategy to an operation. The order of
// FallbackMethods in the operation's config decides dispatch order.
func (h *Handler) RegisterFallback(operation, method string, fn FallbackFunc) {
	h.fallbacks[fallbackKey{operation: operation, method: method}] = fn
}

// configFor returns the operation's policy or the default.
func (h *Handler) configFor(operation string) FallbackConfig {
	if cfg, ok := h.configs[operation]; ok {
		if cfg.BackoffFactor <= 0 {
			cfg.BackoffFactor = 2.0
		}
		if cfg.RetryDelay <= 0 {
			cfg.RetryDelay = time.Second
		}
		return cfg
	}
	return DefaultFallbackConfig()
}

// HandleWithFallback runs the primary operation with retries, then the
// operation's fallback chain, then the configured degradation. Retries
// are owned entirely by this layer; callers must not wrap the primary
// in another retry loop.
func (h *Handler) HandleWithFallback(ctx context.Context, operation string, primary OperationFunc, opCtx map[string]interface{}) (interface{}, error) {
	cfg := h.configFor(operation)

	var lastErr error
	delay := cfg.RetryDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := h.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		}

		result, err := primary(ctx)
		if err == nil {
			if attempt > 0 {
				h.metrics.recordRecovery(operation, true)
			}
			return result, nil
		}
		lastErr = err

		errType := Classify(err)
		h.metrics.record(operation, errType, err)
		h.logger.WithFields(map[string]interface{}{
			"operation": operation,
			"type":      string(errType),
			"attempt":   attempt,
		}).Warnf("operation failed: %v", err)

		if !retryable(errType) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if result, ok := h.runFallbacks(ctx, operation, cfg, opCtx, lastErr); ok {
		return result, nil
	}

	return h.degrade(operation, cfg, lastErr)
}

// runFallbacks tries the operation's registered strategies in configured
// order; the first success terminates the chain.
func (h *Handler) runFallbacks(ctx context.Context, operation string, cfg FallbackConfig, opCtx map[string]interface{}, cause error) (interface{}, bool) {
	for _, method := range cfg.FallbackMethods {
		fn, ok := h.fallbacks[fallbackKey{operation: operation, method: method}]
		if !ok {
			h.logger.Warnf("fallback %s/%s not registered, skipping", operation, method)
			continue
		}
		if ctx.Err() != nil {
			return nil, false
		}

		result, err := fn(ctx, opCtx)
		if err == nil {
			h.logger.WithFields(map[string]interface{}{
				"operation": operation,
				"method":    method,
			}).Infof("fallback recovered from: %v", cause)
			h.metrics.recordRecovery(operation, true)
			return result, true
		}
		h.metrics.record(operation, Classify(err), err)
		h.logger.Debugf("fallback %s/%s failed: %v", operation, method, err)
	}
	return nil, false
}

// degrade applies the terminal policy once retries and fallbacks are
// exhausted.
func (h *Handler) degrade(operation string, cfg FallbackConfig, cause error) (interface{}, error) {
	h.metrics.recordRecovery(operation, false)

	errType := Classify(cause)
	if SeverityOf(errType) >= SeverityCritical {
		return nil, fmt.Errorf("%s failed with %s error: %w", operation, errType, cause)
	}
	if cfg.DefaultValue != nil {
		h.logger.Infof("%s degraded to default value after %s error", operation, errType)
		return cfg.DefaultValue, nil
	}
	if cfg.SkipOnFailure {
		h.logger.Infof("%s skipped after %s error", operation, errType)
		return nil, nil
	}
	return nil, fmt.Errorf("%s failed with %s error: %w", operation, errType, cause)
}

// GetMetrics returns the accumulated error metrics snapshot.
func (h *Handler) GetMetrics() MetricsSnapshot {
	return h.metrics.Snapshot()
}
