// Package keeper runs the background settlement and archival loops.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/engine"
	"github.com/collarlabs/collard/internal/notify"
)

// settleLockKey guards the settlement sweep so only one keeper instance
// settles at a time across the deployment.
const settleLockKey = "keeper:settle"

// Keeper sweeps expired positions and settles them, and periodically ships
// terminal records to cold storage. Settlement is permissionless, so the
// keeper is an availability feature, not a trust assumption: anyone can
// settle an expired position the keeper missed.
type Keeper struct {
	engine    *engine.Engine
	positions domain.PositionStore
	locks     domain.LockManager
	archiver  domain.Archiver
	notifier  *notify.Notifier

	settleInterval  time.Duration
	archiveInterval time.Duration
	archiveAge      time.Duration
	batchSize       int

	logger *slog.Logger
	now    func() time.Time
}

// Config carries the keeper's collaborators and intervals.
type Config struct {
	Engine    *engine.Engine
	Positions domain.PositionStore
	// Locks is optional; without it sweeps run unguarded, which is fine for
	// a single-instance deployment.
	Locks domain.LockManager
	// Archiver is optional; when nil the archival loop is skipped.
	Archiver domain.Archiver
	// Notifier is optional; when set, invariant violations and repeated
	// failures raise operator alerts.
	Notifier *notify.Notifier

	SettleInterval  time.Duration
	ArchiveInterval time.Duration
	// ArchiveAge is how long a record must have been terminal before it is
	// shipped out.
	ArchiveAge time.Duration
	BatchSize  int

	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a Keeper from cfg, applying defaults for zero intervals.
func New(cfg Config) *Keeper {
	settleInterval := cfg.SettleInterval
	if settleInterval <= 0 {
		settleInterval = 30 * time.Second
	}
	archiveInterval := cfg.ArchiveInterval
	if archiveInterval <= 0 {
		archiveInterval = 24 * time.Hour
	}
	archiveAge := cfg.ArchiveAge
	if archiveAge <= 0 {
		archiveAge = 30 * 24 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		engine:          cfg.Engine,
		positions:       cfg.Positions,
		locks:           cfg.Locks,
		archiver:        cfg.Archiver,
		notifier:        cfg.Notifier,
		settleInterval:  settleInterval,
		archiveInterval: archiveInterval,
		archiveAge:      archiveAge,
		batchSize:       batchSize,
		logger:          logger.With(slog.String("component", "keeper")),
		now:             now,
	}
}

// Run starts the settlement and archival loops and blocks until ctx ends.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper starting",
		slog.Duration("settle_interval", k.settleInterval),
		slog.Duration("archive_interval", k.archiveInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := k.runSettleLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("settle loop: %w", err)
	})

	if k.archiver != nil {
		g.Go(func() error {
			err := k.runArchiveLoop(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archive loop: %w", err)
		})
	}

	return g.Wait()
}

func (k *Keeper) runSettleLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.settleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.SettleDue(ctx); err != nil {
				k.logger.WarnContext(ctx, "settlement sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SettleDue settles every expired unsettled position, one sweep. Positions
// another settler beat the keeper to are skipped silently.
func (k *Keeper) SettleDue(ctx context.Context) error {
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, settleLockKey, k.settleInterval)
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("keeper: acquire settle lock: %w", err)
		}
		defer unlock()
	}

	due, err := k.positions.ListExpiredUnsettled(ctx, k.now().UTC(), domain.ListOpts{Limit: k.batchSize})
	if err != nil {
		return fmt.Errorf("keeper: list due positions: %w", err)
	}

	var settled int
	for _, pos := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, _, err := k.engine.SettlePosition(ctx, pos.ID)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, domain.ErrAlreadySettled):
			// Raced by another settler; their settlement stands.
		case domain.IsInvariant(err):
			// Never paper over a reconciliation failure.
			k.alert(ctx, "invariant_violation", "Invariant violation during settlement",
				fmt.Sprintf("position %d: %v", pos.ID, err))
			return err
		default:
			k.logger.WarnContext(ctx, "settle position failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			k.alert(ctx, "settle_failed", "Position settlement failed",
				fmt.Sprintf("position %d: %v", pos.ID, err))
		}
	}

	if settled > 0 {
		k.logger.InfoContext(ctx, "settlement sweep done",
			slog.Int("due", len(due)),
			slog.Int("settled", settled),
		)
	}
	return nil
}

func (k *Keeper) runArchiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.archiveOnce(ctx)
		}
	}
}

func (k *Keeper) archiveOnce(ctx context.Context) {
	before := k.now().UTC().Add(-k.archiveAge)

	posCount, err := k.archiver.ArchivePositions(ctx, before)
	if err != nil {
		k.logger.WarnContext(ctx, "archive positions failed", slog.String("error", err.Error()))
		k.alert(ctx, "archive_failed", "Position archive failed", err.Error())
	}
	offerCount, err := k.archiver.ArchiveRollOffers(ctx, before)
	if err != nil {
		k.logger.WarnContext(ctx, "archive roll offers failed", slog.String("error", err.Error()))
		k.alert(ctx, "archive_failed", "Roll offer archive failed", err.Error())
	}
	auditCount, err := k.archiver.ArchiveAudit(ctx, before)
	if err != nil {
		k.logger.WarnContext(ctx, "archive audit failed", slog.String("error", err.Error()))
		k.alert(ctx, "archive_failed", "Audit archive failed", err.Error())
	}

	k.logger.InfoContext(ctx, "archive run done",
		slog.Int64("positions", posCount),
		slog.Int64("roll_offers", offerCount),
		slog.Int64("audit_entries", auditCount),
	)
}

// alert forwards an operator notification; delivery failures are logged and
// never interrupt the loops.
func (k *Keeper) alert(ctx context.Context, event, title, message string) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.Notify(ctx, event, title, message); err != nil {
		k.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
