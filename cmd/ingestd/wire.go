package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"usage_ingest/internal/aggregate"
	"usage_ingest/internal/archive"
	"usage_ingest/internal/auth"
	"usage_ingest/internal/config"
	"usage_ingest/internal/httpapi"
	"usage_ingest/internal/journal"
	"usage_ingest/internal/metrics"
	"usage_ingest/internal/pipeline"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/storage"
	"usage_ingest/internal/transport"
)

// service holds every long-lived component of the ingest daemon.
type service struct {
	cfg *config.Config

	db          *storage.DB
	redis       *redis.Client
	bus         transport.Bus
	records     *storage.UsageRepository
	checkpoints *storage.CheckpointRepository
	aggregator  aggregate.Aggregator
	deadLetters queue.DeadLetterQueue
	archiveQ    queue.Queue
	archiver    *archive.Worker
	journal     *journal.Journal
	metrics     *metrics.Prometheus
	issuer      *auth.Issuer
	supervisor  *pipeline.Supervisor
}

// buildService wires the components selected by cfg. On error everything
// opened so far is closed.
func buildService(ctx context.Context, cfg *config.Config) (_ *service, err error) {
	s := &service{cfg: cfg, metrics: metrics.NewPrometheus()}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.db, err = storage.NewDB(ctx, storage.DBConfig{
		Driver:               cfg.Storage.Driver,
		DSN:                  cfg.Storage.URL,
		MaxOpenConns:         cfg.Storage.MaxOpenConns,
		MaxIdleConns:         cfg.Storage.MaxIdleConns,
		ConnMaxLifetime:      cfg.Storage.ConnMaxLifetime,
		ConnMaxIdleTime:      cfg.Storage.ConnMaxIdleTime,
		QueryTimeout:         cfg.Storage.QueryTimeout,
		PayloadEncryptionKey: cfg.Storage.PayloadEncryptionKey,
		AutoMigrate:          cfg.Storage.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	s.records = s.db.NewUsageRepository()
	s.checkpoints = s.db.NewCheckpointRepository()

	if cfg.UsesRedis() {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout
		// XREADGROUP blocks for up to the fetch block
		if cfg.Transport.Backend == config.BackendRedis && redisCfg.ReadTimeout <= cfg.Transport.Block {
			redisCfg.ReadTimeout = cfg.Transport.Block + redisCfg.ReadTimeout
		}
		s.redis, err = storage.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
	}

	if err = s.buildTransport(ctx); err != nil {
		return nil, err
	}
	if err = s.buildAggregator(); err != nil {
		return nil, err
	}
	if err = s.buildDeadLetters(); err != nil {
		return nil, err
	}
	if err = s.buildArchive(ctx); err != nil {
		return nil, err
	}

	if cfg.Journal.Enabled {
		s.journal, err = journal.Open(journal.Config{
			FileTemplate:  cfg.Journal.FileTemplate,
			MaxSize:       cfg.Journal.MaxSize,
			MaxFiles:      cfg.Journal.MaxFiles,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, s.metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	s.issuer, err = auth.NewIssuer(cfg.Auth)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Source:      s.bus,
		Store:       s.records,
		Checkpoints: s.checkpoints,
		Aggregator:  s.aggregator,
		Records:     s.records,
		DeadLetters: s.deadLetters,
		Metrics:     s.metrics,
	}
	if s.archiver != nil {
		deps.Archiver = s.archiver
	}
	s.supervisor, err = pipeline.NewSupervisor(deps, pipeline.Config{
		BatchSize:      cfg.Pipeline.BatchSize,
		FetchBlock:     cfg.Transport.Block,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryBackoff:   cfg.Pipeline.RetryBackoff,
		StoreTimeout:   cfg.Pipeline.StoreTimeout,
		DedupCacheSize: cfg.Pipeline.DedupCacheSize,
		DedupCacheTTL:  cfg.Pipeline.DedupCacheTTL,
		RebuildOnStart: cfg.Aggregate.RebuildOnStart,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) buildTransport(ctx context.Context) error {
	cfg := s.cfg.Transport
	if cfg.Backend != config.BackendRedis {
		log, err := transport.NewMemoryLog(cfg.StreamPrefix, cfg.Partitions)
		if err != nil {
			return err
		}
		s.bus = log
		return nil
	}

	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "ingestd-" + uuid.NewString()
	}
	streams, err := transport.NewRedisStreams(ctx, s.redis, transport.StreamsConfig{
		Prefix:     cfg.StreamPrefix,
		Partitions: cfg.Partitions,
		Group:      cfg.ConsumerGroup,
		Consumer:   consumer,
		MaxLen:     cfg.MaxLen,
	})
	if err != nil {
		return err
	}
	s.bus = streams
	return nil
}

func (s *service) buildAggregator() error {
	bucketer, err := aggregate.NewBucketer(s.cfg.Aggregate.BucketWidth)
	if err != nil {
		return err
	}
	if s.cfg.Aggregate.Backend == config.BackendRedis {
		s.aggregator = aggregate.NewRedisAggregator(s.redis, bucketer, s.cfg.Aggregate.RedisPrefix)
		return nil
	}
	s.aggregator = aggregate.NewMemoryAggregator(bucketer)
	return nil
}

func (s *service) buildDeadLetters() error {
	if s.cfg.DLQ.Backend == config.BackendRedis {
		dlq, err := queue.NewRedisDeadLetterQueue(s.redis, s.cfg.DLQ.Name)
		if err != nil {
			return err
		}
		s.deadLetters = dlq
		return nil
	}
	s.deadLetters = queue.NewMemoryDeadLetterQueue()
	return nil
}

func (s *service) buildArchive(ctx context.Context) error {
	cfg := s.cfg.Archive
	if !cfg.Enabled {
		return nil
	}

	writer, err := archive.NewS3Writer(ctx, archive.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Prefix:    cfg.S3Prefix,
		PodName:   cfg.PodName,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}

	qcfg := &queue.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		UseRedis:     cfg.QueueBackend == config.BackendRedis,
		QueueName:    "archive:" + cfg.PodName,
	}
	if qcfg.UseRedis {
		s.archiveQ, err = queue.NewRedisQueue(s.redis, qcfg)
		if err != nil {
			return err
		}
	} else {
		s.archiveQ = queue.NewMemoryQueue(qcfg)
	}
	s.archiver = archive.NewWorker(s.archiveQ, s.deadLetters, writer, qcfg, cfg.IncludeRaw, s.metrics)
	return nil
}

// router builds the HTTP API over the wired components.
func (s *service) router() *mux.Router {
	deps := &httpapi.Dependencies{
		Publisher:      s.bus,
		Aggregator:     s.aggregator,
		Records:        s.records,
		DeadLetters:    s.deadLetters,
		Pipeline:       s.supervisor,
		Issuer:         s.issuer,
		Metrics:        s.metrics,
		MetricsHandler: s.metrics.Handler(),
		Health:         map[string]httpapi.HealthChecker{"database": s.db},
	}
	if s.journal != nil {
		deps.Journal = s.journal
	}
	if s.archiver != nil {
		deps.Archiver = s.archiver
	}
	if s.redis != nil {
		deps.Health["redis"] = redisHealth{s.redis}
	}
	return httpapi.NewRouter(deps)
}

// start launches background workers. The archiver starts first so that
// records stored during the first batch have somewhere to go.
func (s *service) start(ctx context.Context) error {
	if s.archiver != nil {
		s.archiver.Start(ctx)
	}
	return s.supervisor.Start(ctx)
}

// shutdown stops the pipeline and then drains what it produced.
func (s *service) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.supervisor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if s.archiver != nil {
		if err := s.archiver.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if s.journal != nil {
		s.journal.Shutdown()
	}
	s.close()
	return errors.Join(errs...)
}

func (s *service) close() {
	if s.archiveQ != nil {
		s.archiveQ.Close()
	}
	if s.deadLetters != nil {
		s.deadLetters.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) Health(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
