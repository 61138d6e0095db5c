// Package archiver exports settled cold-tier day ranges to S3 as Parquet
// objects. It is an additive export: the cold tier stays authoritative and
// nothing is ever deleted here.
package archiver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"marketpipe/config"
	"marketpipe/internal/model"
	"marketpipe/internal/storage"
	"marketpipe/logger"
)

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver renders Parquet files in memory and uploads them on a fixed
// interval.
type Archiver struct {
	store storage.Store
	cfg   config.ArchiverConfig
	s3    objectPutter
	log   *logger.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(ctx context.Context, store storage.Store, cfg config.ArchiverConfig) (*Archiver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	return &Archiver{
		store: store,
		cfg:   cfg,
		s3:    s3.NewFromConfig(awsCfg),
		log:   logger.GetLogger().WithComponent("archiver"),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("archiver already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				a.runOnce(runCtx)
			}
		}
	}()
	a.log.WithFields(logger.Fields{
		"bucket":   a.cfg.Bucket,
		"interval": a.cfg.Interval().String(),
	}).Info("archiver started")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.running = false
	a.log.Info("archiver stopped")
}

// runOnce exports the target day for every table. The day lags behind the
// migrator so only ranges the tiering already settled get exported.
func (a *Archiver) runOnce(ctx context.Context) {
	lag := a.cfg.LagDays
	if lag <= 0 {
		lag = 1
	}
	day := time.Now().UTC().AddDate(0, 0, -lag).Truncate(24 * time.Hour)
	for _, kind := range model.Kinds() {
		if ctx.Err() != nil {
			return
		}
		if err := a.exportDay(ctx, kind.Table(), day); err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"table": kind.Table(),
				"date":  day.Format("2006-01-02"),
			}).Error("export failed")
		}
	}
}

// exportDay writes one Parquet object per (table, exchange) for the day.
func (a *Archiver) exportDay(ctx context.Context, table string, day time.Time) error {
	p := storage.Predicate{From: day, To: day.AddDate(0, 0, 1)}
	rows, err := a.store.SelectRange(ctx, storage.TierCold, table, p, 0)
	if err != nil {
		return fmt.Errorf("select cold.%s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil
	}

	byExchange := make(map[string][]storage.Row)
	for _, r := range rows {
		byExchange[r.Exchange] = append(byExchange[r.Exchange], r)
	}

	for exchange, group := range byExchange {
		data, err := renderParquet(group)
		if err != nil {
			return fmt.Errorf("render %s/%s: %w", table, exchange, err)
		}
		key := objectKey(a.cfg.Prefix, table, exchange, day)
		if _, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		a.log.WithFields(logger.Fields{
			"key":   key,
			"rows":  len(group),
			"bytes": len(data),
		}).Info("archived parquet object")
		logger.RecordFlowMessage("archive_put", len(data))
	}
	return nil
}

func objectKey(prefix, table, exchange string, day time.Time) string {
	key := fmt.Sprintf("%s/%s/date=%s/%s.parquet", table, exchange, day.Format("2006-01-02"), uuid.NewString())
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
