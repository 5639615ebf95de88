// Package consumers runs the four long-lived chain event subscriptions and
// applies each log to the state machine exactly once per (block, tx,
// logIndex), restarting its gateway subscription whenever the watchdog or
// the underlying websocket connection fails.
package consumers

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/perpindexer/alert"
	"github.com/web3guy0/perpindexer/backfill"
	"github.com/web3guy0/perpindexer/chain"
	"github.com/web3guy0/perpindexer/metrics"
	"github.com/web3guy0/perpindexer/statemachine"
	"github.com/web3guy0/perpindexer/types"
)

// retryBudget bounds the number of extra attempts a StoreTransient failure
// gets before the event is dropped from this delivery; the reconciler is
// the backstop that eventually repairs a dropped apply.
const (
	retryBudget = 3
	retryDelay  = 200 * time.Millisecond
)

// dedupEntry is a (key -> seen-at) pair; the cache is a latency
// optimization only, correctness rests entirely on idempotent transitions.
type dedupEntry struct {
	seenAt time.Time
}

type dedup struct {
	cache *lru.Cache
	ttl   time.Duration
}

func newDedup(size int, ttl time.Duration) *dedup {
	c, err := lru.New(size)
	if err != nil {
		// size <= 0: fall back to a minimal usable cache rather than fail startup.
		c, _ = lru.New(1)
	}
	return &dedup{cache: c, ttl: ttl}
}

// seen reports whether key was already applied within the TTL window. It
// does not mark key as seen; callers do that once the apply actually
// succeeds, so a retried apply is never skipped as a false duplicate.
func (d *dedup) seen(key string) bool {
	v, ok := d.cache.Get(key)
	if !ok {
		return false
	}
	e, ok := v.(dedupEntry)
	return ok && time.Since(e.seenAt) < d.ttl
}

// markSeen records key as applied, starting its TTL window.
func (d *dedup) markSeen(key string) {
	d.cache.Add(key, dedupEntry{seenAt: time.Now()})
}

func keyOf(k types.LogKey) string {
	return fmt.Sprintf("%d:%s:%d", k.BlockNumber, k.TxHash, k.LogIndex)
}

// Options bundles the shared wiring every consumer task needs.
type Options struct {
	Gateway      *chain.Gateway
	Machine      *statemachine.Machine
	Backfiller   *backfill.Controller
	Notifier     *alert.Notifier
	DedupSize    int
	DedupTTL     time.Duration
	BackfillMode string // "lighter" or "always"
}

// Run starts all four subscriptions and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) {
	go runLoop(ctx, opt, chain.TopicOpened, consumeOpened)
	go runLoop(ctx, opt, chain.TopicExecuted, consumeExecuted)
	go runLoop(ctx, opt, chain.TopicStopsUpdated, consumeStopsUpdated)
	go runLoop(ctx, opt, chain.TopicRemoved, consumeRemoved)
	<-ctx.Done()
}

type applyFunc func(ctx context.Context, opt Options, d *dedup, raw chain.Raw) error

// runLoop owns one topic's subscription for the process lifetime, restarting
// the gateway whenever Run returns (watchdog fire, dial failure, subscription
// drop) and re-arming a fresh dedup cache on each restart.
func runLoop(ctx context.Context, opt Options, topic chain.Topic, apply applyFunc) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		d := newDedup(opt.DedupSize, opt.DedupTTL)
		out := make(chan chain.Raw, 64)
		errCh := make(chan error, 1)
		runCtx, cancel := context.WithCancel(ctx)

		go func() {
			errCh <- opt.Gateway.Run(runCtx, topic, out)
			close(out)
		}()

		restarted := consumeUntilRestart(runCtx, opt, d, topic, out, apply)
		cancel()
		<-errCh

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("topic", topic.String()).Bool("restarted", restarted).
			Dur("backoff", backoff).Msg("consumer gateway restart")
		metrics.ConsumerRestarts.WithLabelValues(topic.String()).Inc()
		opt.Notifier.WatchdogRestart(topic.String(), time.Now())

		if opt.BackfillMode == "always" {
			triggerCatchUp(ctx, opt, topic)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func consumeUntilRestart(ctx context.Context, opt Options, d *dedup, topic chain.Topic, out <-chan chain.Raw, apply applyFunc) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case raw, ok := <-out:
			if !ok {
				return true
			}
			if err := applyWithRetry(ctx, opt, d, raw, apply); err != nil {
				log.Error().Err(err).Str("topic", topic.String()).Msg("consumer apply failed")
				continue
			}
			metrics.EventsApplied.WithLabelValues(topic.String()).Inc()
		}
	}
}

// applyWithRetry retries a StoreTransient failure up to retryBudget extra
// attempts; any other error kind (permanent, state machine violation, decode
// failure) is returned immediately with no retry.
func applyWithRetry(ctx context.Context, opt Options, d *dedup, raw chain.Raw, apply applyFunc) error {
	var err error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		err = apply(ctx, opt, d, raw)
		if err == nil || types.KindOf(err) != types.KindStoreTransient {
			return err
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// triggerCatchUp runs the heavier unconditional backfill-on-restart policy.
func triggerCatchUp(ctx context.Context, opt Options, topic chain.Topic) {
	if opt.Backfiller == nil {
		return
	}
	if err := opt.Backfiller.Run(ctx); err != nil {
		log.Error().Err(err).Str("topic", topic.String()).Msg("backfill-on-restart failed")
	}
}

func consumeOpened(ctx context.Context, opt Options, d *dedup, raw chain.Raw) error {
	ev, err := chain.DecodeOpened(raw.Log)
	if err != nil {
		return err
	}
	key := keyOf(ev.Key)
	if d.seen(key) {
		return nil
	}
	if err := opt.Machine.ApplyOpened(ctx, ev); err != nil {
		return err
	}
	d.markSeen(key)
	if opt.BackfillMode != "always" && opt.Backfiller != nil && ev.ID >= 9 && ev.ID%10 == 0 {
		// Lighter policy: re-verify the last 10 ids whenever a round-number
		// Opened lands, in case a restart window dropped logs.
		if err := opt.Backfiller.Window(ctx, ev.ID-9, ev.ID); err != nil {
			log.Error().Err(err).Uint32("id", ev.ID).Msg("window backfill failed")
		}
	}
	return nil
}

func consumeExecuted(ctx context.Context, opt Options, d *dedup, raw chain.Raw) error {
	ev, err := chain.DecodeExecuted(raw.Log)
	if err != nil {
		return err
	}
	key := keyOf(ev.Key)
	if d.seen(key) {
		return nil
	}
	if err := opt.Machine.ApplyExecuted(ctx, ev); err != nil {
		return err
	}
	d.markSeen(key)
	return nil
}

func consumeStopsUpdated(ctx context.Context, opt Options, d *dedup, raw chain.Raw) error {
	ev, err := chain.DecodeStopsUpdated(raw.Log)
	if err != nil {
		return err
	}
	key := keyOf(ev.Key)
	if d.seen(key) {
		return nil
	}
	if err := opt.Machine.ApplyStopsUpdated(ctx, ev); err != nil {
		return err
	}
	d.markSeen(key)
	return nil
}

func consumeRemoved(ctx context.Context, opt Options, d *dedup, raw chain.Raw) error {
	ev, err := chain.DecodeRemoved(raw.Log)
	if err != nil {
		return err
	}
	key := keyOf(ev.Key)
	if d.seen(key) {
		return nil
	}
	if err := opt.Machine.ApplyRemoved(ctx, ev); err != nil {
		return err
	}
	d.markSeen(key)
	return nil
}
