// Package billing periodically sweeps the usage pipeline's meter sorted
// sets and turns whatever has crossed its billable-unit threshold into
// charge requests against an external billing collaborator.
package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imaas/gateway/redisclient"
	"github.com/imaas/gateway/usage"
	"github.com/rs/zerolog"
)

// meter describes one of the four accumulators the usage pipeline writes
// to: its Redis key, the unit it bills in, and the rate (accumulator
// units per one billable charge) the usage pipeline used when
// incrementing it. Mirrors usage.go's own meterRate table by
// construction — tokens/words bill per thousand, counts/seconds per one.
type meter struct {
	key  string
	unit string
	rate int64
}

var meters = []meter{
	{usage.MeterTokens, "token", 1000},
	{usage.MeterWords, "word", 1000},
	{usage.MeterCounts, "count", 1},
	{usage.MeterSeconds, "second", 1},
}

// ChargeIntent is one charge request for a single (user, model, channel,
// unit) accumulator that has crossed its billable threshold.
type ChargeIntent struct {
	EventID   string
	UserID    string
	Model     string
	ChannelID string
	Unit      string
	Amount    int64 // whole billable units, already divided by rate
}

// ChargeResult is the billing collaborator's verdict for one intent.
type ChargeResult struct {
	EventID string
	Success bool
	Message string
}

// ChargeClient issues the batch charge RPC. Idempotency is keyed by
// EventID; a retried intent with an EventID the collaborator already
// applied must be rejected or treated as a no-op success on its side —
// this package never charges the same event twice itself, but it also
// never tracks which events it has already sent once a process restarts.
type ChargeClient interface {
	Charge(ctx context.Context, intents []ChargeIntent) ([]ChargeResult, error)
}

// ProductCatalog answers whether a (model, unit) pair has a billing
// product configured. Accumulators for unknown products are skipped and
// logged rather than failing the sweep.
type ProductCatalog interface {
	HasProduct(model, unit string) bool
}

// OutcomeLog records the result of every charge attempt for audit.
type OutcomeLog interface {
	WriteOutcome(ctx context.Context, intent ChargeIntent, result ChargeResult)
}

// Sweeper periodically drains the four meter sorted sets into charge RPCs.
// Only the scheduler's global-lock holder should run one at a time.
type Sweeper struct {
	redis    *redisclient.Client
	logger   zerolog.Logger
	charge   ChargeClient
	catalog  ProductCatalog
	log      OutcomeLog
	interval time.Duration
}

func NewSweeper(redis *redisclient.Client, logger zerolog.Logger, charge ChargeClient, catalog ProductCatalog, log OutcomeLog, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 600 * time.Second
	}
	return &Sweeper{
		redis:    redis,
		logger:   logger.With().Str("component", "billing_sweeper").Logger(),
		charge:   charge,
		catalog:  catalog,
		log:      log,
		interval: interval,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("starting billing sweeper")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stopping billing sweeper")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("billing sweep failed")
			}
		}
	}
}

// Sweep runs one pass over all four meters, charging what it can and
// logging failures of any single meter without aborting the others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	for _, m := range meters {
		if err := s.sweepMeter(ctx, m); err != nil {
			s.logger.Error().Err(err).Str("meter", m.key).Msg("meter sweep failed")
		}
	}
	return nil
}

type pendingCharge struct {
	member string
	amount int64
}

func (s *Sweeper) sweepMeter(ctx context.Context, m meter) error {
	entries, err := s.redis.ZRangeByScoreWithScores(ctx, m.key, strconv.FormatInt(m.rate, 10), "+inf")
	if err != nil {
		return fmt.Errorf("read %s: %w", m.key, err)
	}
	if len(entries) == 0 {
		return nil
	}

	pending := make([]pendingCharge, 0, len(entries))
	intents := make([]ChargeIntent, 0, len(entries))

	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		userID, model, channelID, ok := splitMeterMember(member)
		if !ok {
			s.logger.Warn().Str("member", member).Msg("malformed meter member, skipping")
			continue
		}

		if s.catalog != nil && !s.catalog.HasProduct(model, m.unit) {
			s.logger.Warn().Str("model", model).Str("unit", m.unit).Msg("no billing product configured, skipping")
			continue
		}

		charge := int64(z.Score) / m.rate
		if charge <= 0 {
			continue
		}

		pending = append(pending, pendingCharge{member: member, amount: charge})
		intents = append(intents, ChargeIntent{
			EventID:   newEventID(),
			UserID:    userID,
			Model:     model,
			ChannelID: channelID,
			Unit:      m.unit,
			Amount:    charge,
		})
	}
	if len(intents) == 0 {
		return nil
	}

	results, err := s.charge.Charge(ctx, intents)
	if err != nil {
		return fmt.Errorf("charge RPC: %w", err)
	}
	outcomes := make(map[string]ChargeResult, len(results))
	for _, r := range results {
		outcomes[r.EventID] = r
	}

	for i, intent := range intents {
		result, ok := outcomes[intent.EventID]
		if !ok {
			result = ChargeResult{EventID: intent.EventID, Success: false, Message: "no result returned for event"}
		}
		if s.log != nil {
			s.log.WriteOutcome(ctx, intent, result)
		}
		if !result.Success {
			s.logger.Warn().Str("event_id", intent.EventID).Str("message", result.Message).Msg("charge failed, retaining accumulator")
			continue
		}

		decrement := -float64(pending[i].amount * m.rate)
		if _, err := s.redis.ZIncrBy(ctx, m.key, decrement, pending[i].member); err != nil {
			s.logger.Error().Err(err).Str("member", pending[i].member).Msg("failed to decrement meter after successful charge")
		}
	}

	if err := s.redis.ZRemRangeByScore(ctx, m.key, "0", "0"); err != nil {
		s.logger.Error().Err(err).Str("meter", m.key).Msg("failed to clean zeroed meter entries")
	}
	return nil
}

func splitMeterMember(member string) (userID, model, channelID string, ok bool) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
