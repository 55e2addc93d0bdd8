package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/cargo.space/internal/platform/timeouts"
	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// ShipEvery is how often shipping cargo is checked for delivery.
	ShipEvery = 60 * time.Second
	// ShipDelay is how long a cargo stays in shipping.
	ShipDelay = 60 * time.Second
	// LaunchEvery is how often delivered cargo leaves on a rocket.
	LaunchEvery = 10 * time.Minute
	// BackupEvery is how often the store is snapshotted.
	BackupEvery = 8 * time.Hour
	// DescribeEvery is how often undescribed cargo is picked up.
	DescribeEvery = 3 * time.Second
	// DescribeBatch caps the cargoes described per tick.
	DescribeBatch = 8

	describeConcurrency = 4
)

// Store is the storage surface the lifecycle jobs need.
type Store interface {
	DeliverShipped(ctx context.Context, before time.Time) ([]string, error)
	LaunchDelivered(ctx context.Context) (int, error)
	ListUndescribed(ctx context.Context, limit int) ([]storage.Cargo, error)
	GetTexture(ctx context.Context, id string) ([]byte, error)
	UpdateTextInfo(ctx context.Context, info storage.TextInfo) error
	SetPending(ctx context.Context, id string, pending bool) error
}

// Broadcaster announces launches to connected viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, event any) int
}

// Describer names a texture and writes its description.
type Describer interface {
	Describe(ctx context.Context, texture []byte) (name string, description string, err error)
}

// Deps are the collaborators of the cargo lifecycle jobs. Backuper and
// Describer are optional and their jobs are skipped when nil.
type Deps struct {
	Store       Store
	Broadcaster Broadcaster
	Backuper    storage.Backuper
	BackupDir   string
	Describer   Describer
	Logger      *zap.Logger
	Now         func() time.Time
}

// CargoJobs returns the lifecycle jobs enabled by deps.
func CargoJobs(deps Deps) ([]Job, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.Named("jobs")

	jobs := []Job{
		{Name: "ship", Every: ShipEvery, Immediate: true, Run: ShipCargoes(deps.Store, deps.Now, logger)},
		{Name: "launch", Every: LaunchEvery, Run: LaunchRocket(deps.Store, deps.Broadcaster, logger)},
	}
	if deps.Backuper != nil && deps.BackupDir != "" {
		jobs = append(jobs, Job{Name: "backup", Every: BackupEvery, Run: BackupStore(deps.Backuper, deps.BackupDir, logger)})
	}
	if deps.Describer != nil {
		jobs = append(jobs, Job{Name: "describe", Every: DescribeEvery, Immediate: true, Run: DescribeCargoes(deps.Store, deps.Describer, logger)})
	}
	return jobs, nil
}

// ShipCargoes delivers cargo that has been shipping for at least ShipDelay.
func ShipCargoes(store Store, now func() time.Time, logger *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		ids, err := store.DeliverShipped(ctx, now().Add(-ShipDelay))
		if err != nil {
			return fmt.Errorf("deliver shipped: %w", err)
		}
		if len(ids) > 0 {
			logger.Info("cargoes delivered", zap.Strings("ids", ids))
		}
		return nil
	}
}

// LaunchRocket launches every delivered cargo and announces the amount.
func LaunchRocket(store Store, broadcaster Broadcaster, logger *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		amount, err := store.LaunchDelivered(ctx)
		if err != nil {
			return fmt.Errorf("launch delivered: %w", err)
		}
		if amount == 0 {
			logger.Debug("rocket launch skipped, nothing delivered")
			return nil
		}
		delivered := broadcaster.Broadcast(ctx, domain.NewLaunchEvent(amount))
		logger.Info("rocket launched", zap.Int("amount", amount), zap.Int("viewers", delivered))
		return nil
	}
}

// BackupStore snapshots the store into dir.
func BackupStore(backuper storage.Backuper, dir string, logger *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		path, err := backuper.Backup(ctx, dir)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		logger.Info("store backed up", zap.String("path", path))
		return nil
	}
}

// DescribeCargoes names undescribed cargo. Each cargo is marked pending while
// its description is generated, and pending is cleared whatever the outcome.
func DescribeCargoes(store Store, describer Describer, logger *zap.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		cargoes, err := store.ListUndescribed(ctx, DescribeBatch)
		if err != nil {
			return fmt.Errorf("list undescribed: %w", err)
		}
		if len(cargoes) == 0 {
			return nil
		}
		ids := make([]string, 0, len(cargoes))
		for _, cargo := range cargoes {
			ids = append(ids, cargo.ID)
		}
		logger.Info("describing cargoes", zap.Strings("ids", ids))

		var group errgroup.Group
		group.SetLimit(describeConcurrency)
		for _, id := range ids {
			group.Go(func() error {
				describeOne(ctx, store, describer, logger, id)
				return nil
			})
		}
		return group.Wait()
	}
}

func describeOne(ctx context.Context, store Store, describer Describer, logger *zap.Logger, id string) {
	logger = logger.With(zap.String("id", id))

	texture, err := store.GetTexture(ctx, id)
	if err != nil {
		logger.Error("read texture failed", zap.Error(err))
		return
	}
	if err := store.SetPending(ctx, id, true); err != nil {
		logger.Error("mark pending failed", zap.Error(err))
		return
	}

	describeCtx, cancel := context.WithTimeout(ctx, timeouts.Describe)
	name, description, err := describer.Describe(describeCtx, texture)
	cancel()
	if err != nil {
		logger.Error("generate text info failed", zap.Error(err))
		clearPending(ctx, store, logger, id)
		return
	}

	if err := store.UpdateTextInfo(ctx, storage.TextInfo{ID: id, Name: name, Description: description}); err != nil {
		logger.Error("store text info failed", zap.Error(err))
		clearPending(ctx, store, logger, id)
		return
	}
	logger.Info("text info generated", zap.String("name", name), zap.String("description", description))
}

// clearPending runs detached from ctx so shutdown cannot strand a cargo in
// pending.
func clearPending(ctx context.Context, store Store, logger *zap.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Persist)
	defer cancel()
	if err := store.SetPending(ctx, id, false); err != nil {
		logger.Error("clear pending failed", zap.Error(err))
	}
}
