// Package bootstrap connects the backing services described by a
// config.Config and assembles an app.Service from them. Both the HTTP server
// and democtl start from here.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"demoreel/api/internal/app"
	"demoreel/api/internal/blob"
	"demoreel/api/internal/config"
	"demoreel/api/internal/crm"
	"demoreel/api/internal/dynamo"
	"demoreel/api/internal/email"
	"demoreel/api/internal/export"
	"demoreel/api/internal/search"
	"demoreel/api/internal/session"
	"demoreel/api/internal/store"
)

// Options selects which optional pieces Open brings up.
type Options struct {
	// Database connects Postgres. The demo stores work without it, but
	// accounts and sessions do not.
	Database bool
	// Migrate applies pending migrations after connecting.
	Migrate bool
	// SkipSchemaValidation skips DescribeTable on startup.
	SkipSchemaValidation bool
	// DynamoAPI replaces the AWS client, for tests.
	DynamoAPI dynamo.API
}

// Runtime holds every connected client. Close releases them in reverse
// order of creation.
type Runtime struct {
	Config  config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Owners  *store.PostgresStore
	Dynamo  *dynamo.Client
	Blobs   *blob.Store
	Meili   *search.Meili
	Search  *search.Service
	Service *app.Service

	closers []func()
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Close waits for background work and then disconnects.
func (r *Runtime) Close() {
	if r.Service != nil {
		r.Service.Wait()
	}
	if r.Search != nil {
		r.Search.Wait()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Open connects everything cfg configures. On error, whatever was already
// connected is closed again.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	deps := app.Deps{Logger: logger}

	if opts.Database {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.DB = db
		rt.onClose(func() { _ = db.Close() })

		if opts.Migrate {
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return nil, fmt.Errorf("migrations failed: %w", err)
			}
			for _, name := range applied {
				logger.Info("applied migration", "name", name)
			}
		}

		rt.Owners = store.NewPostgresStore(db)
		deps.Owners = rt.Owners
	}

	client, err := connectDynamo(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	rt.Dynamo = client
	deps.Private = client.Private()
	deps.Mirror = client.Mirror()
	deps.Leads = client.Leads()
	deps.Tables = client

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for refresh token storage")
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.onClose(func() { _ = redisStore.Close() })
		deps.Sessions = redisStore
	} else if opts.Database {
		logger.Info("using postgres for refresh token storage")
	}

	var urls export.URLSigner
	if cfg.BlobConfigured() {
		blobs, err := blob.New(blob.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.AWSRegion,
			URLTTL:    cfg.AssetURLTTL,
		})
		if err != nil {
			return nil, err
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			logger.Warn("asset bucket unavailable", "bucket", cfg.S3Bucket, "error", err)
		}
		rt.Blobs = blobs
		deps.Blobs = blobs
		urls = blobs
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.Meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.onClose(rt.Meili.Close)
		index = rt.Meili
	}
	rt.Search = search.NewService(index, search.NewListing(client.Private()), logger)
	deps.Search = rt.Search

	brevo := crm.New(cfg.BrevoBaseURL, cfg.BrevoAPIKey, cfg.BrevoListID, crm.WithLogger(logger))
	if brevo.Enabled() {
		deps.CRM = brevo
	}

	deps.Mailer = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)

	deps.Exporter = export.NewService(client.Private(), urls, nil, logger)

	rt.Service = app.New(cfg, deps)
	return rt, nil
}

func connectDynamo(ctx context.Context, cfg config.Config, opts Options) (*dynamo.Client, error) {
	tables := dynamo.Tables{App: cfg.AppTable, Public: cfg.PublicTable, Leads: cfg.LeadTable}

	var dynamoOpts []dynamo.Option
	if opts.DynamoAPI != nil {
		dynamoOpts = append(dynamoOpts, dynamo.WithAPI(opts.DynamoAPI))
	}
	if strings.TrimSpace(cfg.DynamoEndpoint) != "" {
		dynamoOpts = append(dynamoOpts, dynamo.WithEndpoint(cfg.DynamoEndpoint))
	}

	var client *dynamo.Client
	if opts.DynamoAPI != nil {
		client = dynamo.New(nil, tables, dynamoOpts...)
	} else {
		awsCfg, err := dynamo.LoadAWSConfig(ctx, dynamo.AWSSettings{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		client = dynamo.New(&awsCfg, tables, dynamoOpts...)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("dynamodb connect: %w", err)
	}
	if err := client.Init(ctx, opts.SkipSchemaValidation); err != nil {
		return nil, fmt.Errorf("dynamodb init: %w", err)
	}
	return client, nil
}
