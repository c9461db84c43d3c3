package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/domain/aggregate"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/types"
)

// finalizeWorkers bounds how many windows one tick finalizes in parallel
const finalizeWorkers = 8

// WatermarkDriver advances the global processing-time watermark on a
// fixed interval and finalizes every open window the watermark has
// passed. Finalization is the one-way door: after it, the window is
// immutable and its aggregate is emitted for rating.
type WatermarkDriver interface {
	// Run ticks until the context is cancelled
	Run(ctx context.Context) error

	// Tick performs one watermark advance. Per-window failures are
	// logged and left for the next tick rather than aborting the sweep.
	Tick(ctx context.Context) error
}

type watermarkDriver struct {
	ServiceParams

	now func() time.Time
}

// NewWatermarkDriver creates the watermark driver
func NewWatermarkDriver(params ServiceParams) WatermarkDriver {
	return &watermarkDriver{
		ServiceParams: params,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (d *watermarkDriver) Run(ctx context.Context) error {
	interval := d.Config.Window.WatermarkInterval()
	d.Logger.Infow("watermark driver started",
		"interval", interval,
		"allowed_lateness", d.Config.Window.AllowedLateness(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("watermark driver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.Logger.Errorw("watermark tick failed", "error", err)
				d.Sentry.CaptureException(err)
			}
		}
	}
}

func (d *watermarkDriver) Tick(ctx context.Context) error {
	watermark := types.Watermark(d.now(), d.Config.Window.AllowedLateness())

	expired, err := d.AggregateRepo.ListExpired(ctx, watermark)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	d.Logger.Infow("advancing watermark",
		"watermark", watermark,
		"expired_windows", len(expired),
	)

	p := pool.New().WithMaxGoroutines(finalizeWorkers)
	for _, row := range expired {
		row := row
		p.Go(func() {
			if err := d.finalizeAndEmit(ctx, row); err != nil {
				// The row stays non-final (or final but unemitted with an
				// idempotent re-finalize next tick); the sweep continues.
				d.Logger.Errorw("failed to finalize window",
					"aggregation_id", row.ID,
					"customer_id", row.CustomerID,
					"window_start", row.WindowStart,
					"error", err,
				)
				d.Sentry.CaptureException(err)
			}
		})
	}
	p.Wait()
	return nil
}

func (d *watermarkDriver) finalizeAndEmit(ctx context.Context, row *aggregate.AggregatedUsage) error {
	if err := d.AggregateRepo.Finalize(ctx, row); err != nil {
		return err
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal finalized aggregate").
			Mark(ierr.ErrValidation)
	}

	publish := func() error {
		msg := message.NewMessage(row.ID, payload)
		msg.Metadata.Set(kafka.PartitionKeyMetadata, row.CustomerID)
		return d.PubSub.Publish(ctx, d.Config.Kafka.Topics.AggregatedUsage, msg)
	}

	if err := backoff.Retry(publish, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to publish finalized aggregate").
			WithReportableDetails(map[string]any{"aggregation_id": row.ID}).
			Mark(ierr.ErrSystem)
	}

	d.Logger.Infow("window finalized",
		"aggregation_id", row.ID,
		"customer_id", row.CustomerID,
		"metric_type", row.MetricType,
		"window_start", row.WindowStart,
		"value", row.Value,
		"event_count", row.EventCount,
	)
	return nil
}
