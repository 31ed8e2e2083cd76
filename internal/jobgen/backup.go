package jobgen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-reconciler/internal/asyncop"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
)

// Executor runs async requests until completion.
type Executor interface {
	Execute(ctx context.Context, ep asyncop.Endpoint, req model.Request, timeout time.Duration) (json.RawMessage, error)
}

// Backuper backs up a range of rows and returns the job restoring it.
type Backuper interface {
	Backup(ctx context.Context, t model.MigrationType, r model.IDRange) (model.RestoreJob, error)
}

// SourceBackuper takes backups on the source endpoint.
type SourceBackuper struct {
	source   asyncop.Endpoint
	executor Executor
	logger   logger.Logger

	batchSize int
	aliasType string
	timeout   *config.Reloadable[time.Duration]
}

// NewSourceBackuper reads Reconciler.maxBatchSize and Reconciler.aliasType once, so every
// backup it takes and every restore of it use the same values.
func NewSourceBackuper(source asyncop.Endpoint, executor Executor, conf *config.Config, log logger.Logger) *SourceBackuper {
	return &SourceBackuper{
		source:    source,
		executor:  executor,
		logger:    log.Child("backup"),
		batchSize: conf.GetIntVar(10000, 1, "Reconciler.maxBatchSize"),
		aliasType: conf.GetStringVar(model.DefaultAliasType, "Reconciler.aliasType"),
		timeout:   conf.GetReloadableDurationVar(30, time.Minute, "Reconciler.jobTimeout"),
	}
}

func (b *SourceBackuper) Backup(ctx context.Context, t model.MigrationType, r model.IDRange) (model.RestoreJob, error) {
	res, err := b.executor.Execute(ctx, b.source, model.NewBackupRequest(t, r, b.batchSize, b.aliasType), b.timeout.Load())
	if err != nil {
		return model.RestoreJob{}, fmt.Errorf("backing up %s %s: %w", t, r, err)
	}
	key := gjson.GetBytes(res, "backupFileKey")
	if key.Type != gjson.String || key.String() == "" {
		return model.RestoreJob{}, fmt.Errorf("backup of %s %s returned no backup file key: %w", t, r, asyncop.ErrMalformedResponse)
	}
	b.logger.Debugn("Backed up range",
		logger.NewStringField("migrationType", string(t)),
		logger.NewStringField("range", r.String()),
		logger.NewStringField("backupFileKey", key.String()),
	)
	return model.RestoreJob{
		Type:          t,
		BackupFileKey: key.String(),
		Range:         &r,
		BatchSize:     b.batchSize,
		AliasType:     b.aliasType,
	}, nil
}
