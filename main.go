package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcmd "github.com/4JX/daedalus/cmd"
	"github.com/4JX/daedalus/mirror"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Process exit codes.
const (
	exitOK            = 0
	exitRunFailed     = 1
	exitPublishFailed = 2
	exitConfig        = 3
)

const connectTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}
	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("configure object store", "store", cfg.Store, "error", err)
		return exitConfig
	}
	logger.Info("configured object store", "store", cfg.Store, "prefix", cfg.Prefix)
	if baseURLMissesS3Prefix(cfg) {
		logger.Warn("base url path does not end in the s3 prefix, published and previous-manifest urls will not resolve unless a cdn maps the prefix",
			"base_url", cfg.BaseURL,
			"s3_prefix", cfg.S3Prefix,
		)
	}

	layout := mirror.Layout{Prefix: cfg.Prefix}
	inmem := mirror.NewInMemMetrics()
	prom := mirror.NewPromMetrics()

	opts := []mirror.MirrorOption{
		mirror.WithLogger(logger),
		mirror.WithLayout(layout),
		mirror.WithUpstreamManifestURL(cfg.UpstreamManifestURL),
		mirror.WithChunking(cfg.ChunkSize, cfg.ChunkCooldown),
		mirror.WithMetrics(mirror.MultiMetrics{inmem, prom}),
	}
	if cfg.PreviousSource == previousStore {
		opts = append(opts, mirror.WithPreviousSource(&mirror.StorePreviousSource{Store: store, Key: layout.ManifestPath()}))
	}

	// Run lease: Redis when configured, otherwise process-local.
	leaseMgr := mirror.RunLeaseManager(mirror.NewInMemoryRunLeaseManager())
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		pingCtx, pingCancel := context.WithTimeout(ctx, connectTimeout)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("redis ping", "addr", cfg.RedisAddr, "error", err)
			return exitConfig
		}
		mgr, err := mirror.NewRedisRunLeaseManager(redisClient, "")
		if err != nil {
			logger.Error("configure redis run lease", "error", err)
			return exitConfig
		}
		leaseMgr = mgr
		logger.Info("configured redis run lease", "addr", cfg.RedisAddr, "ttl", cfg.LeaseTTL.String())
	}
	opts = append(opts, mirror.WithRunLeaseManager(leaseMgr, cfg.LeaseTTL))

	// Run records: MongoDB or blob-backed (default).
	var runs mirror.RunStore = &mirror.BlobRunStore{Store: store, Layout: layout}
	if cfg.RunsMongoURI != "" {
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.RunsMongoURI))
		if err != nil {
			logger.Error("mongo connect", "error", err)
			return exitConfig
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
		pingCtx, pingCancel := context.WithTimeout(ctx, connectTimeout)
		err = mongoClient.Ping(pingCtx, nil)
		pingCancel()
		if err != nil {
			logger.Error("mongo ping", "error", err)
			return exitConfig
		}
		coll := mongoClient.Database(cfg.RunsMongoDB).Collection(cfg.RunsMongoCollection)
		runs = mirror.NewMongoRunStore(coll)
		logger.Info("configured mongo run store",
			"db", cfg.RunsMongoDB,
			"collection", cfg.RunsMongoCollection,
		)
	}
	opts = append(opts, mirror.WithRunStore(runs))

	m := mirror.NewMirror(store, mirror.BaseURL(cfg.BaseURL), opts...)

	logger.Info("configured mirror",
		"mode", cfg.Mode,
		"upstream", cfg.UpstreamManifestURL,
		"base_url", cfg.BaseURL,
		"chunk_size", cfg.ChunkSize,
		"chunk_cooldown", cfg.ChunkCooldown.String(),
		"previous_source", cfg.PreviousSource,
	)

	if cfg.Mode == modeServe {
		return serve(ctx, logger, cfg, m, inmem, prom, runs)
	}

	_, err = m.Run(ctx)
	return exitCodeFor(err)
}

func serve(ctx context.Context, logger *slog.Logger, cfg Config, m *mirror.Mirror, inmem *mirror.InMemMetrics, prom *mirror.PromMetrics, runs mirror.RunStore) int {
	appCfg := appcmd.AppConfig{
		Address:           cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		SyncInterval:      cfg.SyncInterval,
		SyncTimeout:       cfg.SyncTimeout,
		Logger:            logger,
		Metrics:           inmem,
		Prom:              prom,
		Runs:              runs,
	}
	app := appcmd.NewApp(m, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		return exitConfig
	}
	logger.Info("daedalus listening", "address", app.Address(), "sync_interval", cfg.SyncInterval.String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		return exitRunFailed
	}
	return exitOK
}

// exitCodeFor maps a run result to the process exit code. A publish failure
// gets its own code: artifacts are uploaded but the index is stale.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, mirror.ErrPublish):
		return exitPublishFailed
	default:
		return exitRunFailed
	}
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newObjectStore(ctx context.Context, cfg Config) (mirror.ObjectStore, error) {
	switch cfg.Store {
	case storeMemory:
		return mirror.NewMemoryObjectStore(), nil
	case storeLocal:
		return &mirror.LocalObjectStore{Root: cfg.BlobRoot}, nil
	case storeS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return mirror.NewS3ObjectStore(client, cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// newS3Client loads the default AWS chain. An explicit endpoint switches to
// path-style addressing for S3-compatible services such as R2 or MinIO.
func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
