// internal/extractor/chain.go
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ai"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/breaker"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/cache"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Chain drives the full selection-and-fallback protocol: cached profile
// → pattern detection → optimizer-planned specialized extractors →
// generic extractor → AI content analysis. Every stage is wrapped by
// its own named circuit breaker, and validation applies uniformly to
// whatever stage produced the candidates.
type Chain struct {
	detector  *PatternDetector
	optimizer *Optimizer
	breakers  *breaker.Registry
	cache     *cache.Manager
	shared    *cache.SharedCache
	logger    utils.Logger

	specialized []Extractor
	generic     Extractor
	aiExtractor *AIExtractor

	now func() time.Time
}

// NewChain wires the fallback chain. cacheMgr and analyzer may be nil;
// without an analyzer the chain ends at the generic extractor.
func NewChain(breakers *breaker.Registry, cacheMgr *cache.Manager, analyzer ai.Analyzer) *Chain {
	c := &Chain{
		detector:  NewPatternDetector(),
		optimizer: NewOptimizer(),
		breakers:  breakers,
		cache:     cacheMgr,
		logger:    utils.NewComponentLogger("extractor"),
		specialized: []Extractor{
			&TableExtractor{},
			&CardExtractor{},
			&NavigationExtractor{},
			&MapExtractor{},
			&PDFLinkExtractor{},
		},
		generic: &GenericExtractor{},
		now:     time.Now,
	}
	if analyzer != nil {
		c.aiExtractor = NewAIExtractor(analyzer)
	}
	return c
}

// WithSharedProfiles attaches the cross-worker profile cache: learned
// profiles are published to Redis so other pods skip the AI stage for
// domains this one already solved.
func (c *Chain) WithSharedProfiles(shared *cache.SharedCache) *Chain {
	c.shared = shared
	return c
}

// sharedProfileTTL bounds how long a learned profile outlives the pod
// that produced it. Diocese sites change rarely; a week is generous.
const sharedProfileTTL = 7 * 24 * time.Hour

// ErrNoParishes is returned when every chain stage came up empty.
var ErrNoParishes = errors.New("no parishes extracted by any strategy")

// Extract runs the chain against one fetched page.
func (c *Chain) Extract(ctx context.Context, pageURL, rawHTML string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parsing page markup: %w", err)
	}
	page := &Page{URL: pageURL, RawHTML: rawHTML, Doc: doc}

	result := &Result{}

	// A learned profile short-circuits everything when it still works.
	if parishes, ok := c.tryCachedProfile(ctx, page); ok {
		result.Parishes = parishes
		result.Strategy = StrategyAI
		result.FromProfile = true
		result.Confidence = parishes[0].Confidence
		c.logger.WithField("url", pageURL).Infof("extracted %d parishes from learned profile", len(parishes))
		return result, nil
	}

	detection := c.detector.Detect(doc, rawHTML, pageURL)
	result.Platform = detection.Platform
	c.logger.WithFields(map[string]interface{}{
		"url":        pageURL,
		"platform":   string(detection.Platform),
		"strategy":   string(detection.Strategy),
		"confidence": detection.Confidence,
	}).Debug("pattern detection complete")

	signals := c.optimizer.Analyze(doc, rawHTML)
	planned := c.optimizer.Plan(c.specialized, detection, signals)

	for _, stage := range planned {
		if stage.Skipped {
			result.Stages = append(result.Stages, StageOutcome{
				Extractor:  stage.Extractor.Name(),
				Strategy:   stage.Extractor.Strategy(),
				Skipped:    true,
				SkipReason: stage.SkipReason,
			})
			continue
		}
		if parishes, done := c.runStage(ctx, stage.Extractor, page, result); done {
			result.Parishes = parishes
			result.Strategy = stage.Extractor.Strategy()
			result.Confidence = detection.Confidence
			return result, nil
		}
	}

	if parishes, done := c.runStage(ctx, c.generic, page, result); done {
		result.Parishes = parishes
		result.Strategy = StrategyGeneric
		result.Confidence = 0.4
		return result, nil
	}

	if c.aiExtractor != nil {
		if parishes, done := c.runAIStage(ctx, page, result); done {
			result.Parishes = parishes
			result.Strategy = StrategyAI
			if len(parishes) > 0 {
				result.Confidence = parishes[0].Confidence
			}
			return result, nil
		}
	}

	return result, ErrNoParishes
}

// runStage executes one extractor behind its own breaker and budget,
// recording the outcome. Returns done=true when validated candidates
// came back.
func (c *Chain) runStage(ctx context.Context, ex Extractor, page *Page, result *Result) ([]Candidate, bool) {
	outcome := StageOutcome{Extractor: ex.Name(), Strategy: ex.Strategy()}
	start := c.now()

	var candidates []Candidate
	err := c.breakerFor(ex).Execute(ctx, func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, ex.Budget())
		defer cancel()
		raw, err := ex.Extract(stageCtx, page)
		if err != nil {
			return err
		}
		candidates = ValidateAndDedupe(raw)
		return nil
	})

	outcome.Duration = c.now().Sub(start)
	if err != nil {
		outcome.Error = err.Error()
		c.logger.Debugf("extractor %s failed on %s: %v", ex.Name(), page.URL, err)
	}
	outcome.Candidates = len(candidates)
	result.Stages = append(result.Stages, outcome)

	if err == nil && len(candidates) > 0 {
		c.logger.WithFields(map[string]interface{}{
			"url":       page.URL,
			"extractor": ex.Name(),
			"parishes":  len(candidates),
		}).Info("extraction stage succeeded")
		return candidates, true
	}
	return nil, false
}

// runAIStage invokes the AI fallback and, on success, caches the
// learned profile for the domain.
func (c *Chain) runAIStage(ctx context.Context, page *Page, result *Result) ([]Candidate, bool) {
	outcome := StageOutcome{Extractor: c.aiExtractor.Name(), Strategy: StrategyAI}
	start := c.now()

	var candidates []Candidate
	var profile *Profile
	err := c.breakerFor(c.aiExtractor).Execute(ctx, func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, c.aiExtractor.Budget())
		defer cancel()
		var err error
		candidates, profile, err = c.aiExtractor.ExtractWithProfile(stageCtx, page)
		return err
	})

	outcome.Duration = c.now().Sub(start)
	if err != nil {
		outcome.Error = err.Error()
		c.logger.Warnf("ai fallback failed on %s: %v", page.URL, err)
	}
	outcome.Candidates = len(candidates)
	result.Stages = append(result.Stages, outcome)

	if err != nil || len(candidates) == 0 {
		return nil, false
	}

	c.storeProfile(ctx, page.URL, profile)
	return candidates, true
}

func (c *Chain) breakerFor(ex Extractor) *breaker.CircuitBreaker {
	cfg := breaker.DefaultConfig()
	// Retries live in the error handler layer; stacking them here would
	// compound backoff.
	cfg.MaxRetries = 0
	return c.breakers.GetWithConfig("extractor_"+ex.Name(), cfg)
}

func (c *Chain) profileKey(pageURL string) string {
	return "profile:" + utils.DomainOf(pageURL)
}

func (c *Chain) tryCachedProfile(ctx context.Context, page *Page) ([]Candidate, bool) {
	raw, fromShared, ok := c.loadProfile(ctx, page.URL)
	if !ok {
		return nil, false
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		c.invalidateProfile(ctx, page.URL)
		return nil, false
	}
	parishes := ApplyProfile(page, &profile, "learned_profile")
	if len(parishes) == 0 {
		// The site changed; drop the stale profile and relearn.
		c.invalidateProfile(ctx, page.URL)
		return nil, false
	}
	if fromShared && c.cache != nil {
		// Seed the local cache so the next page on this domain skips
		// the Redis round trip.
		c.cache.Set(c.profileKey(page.URL), raw, cache.SetOptions{
			ContentType: cache.ContentTypeAIProfile,
		})
	}
	return parishes, true
}

// loadProfile checks the local cache first, then the shared one.
func (c *Chain) loadProfile(ctx context.Context, pageURL string) (raw []byte, fromShared, ok bool) {
	key := c.profileKey(pageURL)
	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			return raw, false, true
		}
	}
	if c.shared != nil {
		if raw, err := c.shared.Get(ctx, key); err == nil && len(raw) > 0 {
			return raw, true, true
		}
	}
	return nil, false, false
}

func (c *Chain) invalidateProfile(ctx context.Context, pageURL string) {
	key := c.profileKey(pageURL)
	if c.cache != nil {
		c.cache.Invalidate(key)
	}
	if c.shared != nil {
		if err := c.shared.Invalidate(ctx, key); err != nil {
			c.logger.Debugf("shared profile invalidation failed: %v", err)
		}
	}
}

func (c *Chain) storeProfile(ctx context.Context, pageURL string, profile *Profile) {
	if profile == nil {
		return
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	key := c.profileKey(pageURL)
	if c.cache != nil {
		c.cache.Set(key, raw, cache.SetOptions{
			ContentType: cache.ContentTypeAIProfile,
		})
	}
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, raw, sharedProfileTTL); err != nil {
			c.logger.Debugf("publishing profile to shared cache failed: %v", err)
		}
	}
	c.logger.Infof("cached extraction profile for %s (strategy=%s confidence=%.2f)",
		utils.DomainOf(pageURL), profile.Strategy, profile.Confidence)
}
