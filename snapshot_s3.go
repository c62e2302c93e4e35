package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// SnapshotConfig configures the S3 snapshot archiver. When enabled, the
// client periodically uploads a manifest of every collection's projected
// values, cursors and queue depth. Snapshots are an operational artifact
// for backup and inspection; restoring state goes through the sync
// protocol, never through a snapshot.
type SnapshotConfig struct {
	// Enabled turns the archiver on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Bucket is the S3 bucket. Required when enabled.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the AWS region. Default: us-east-1.
	Region string `json:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible services
	// (MinIO, etc.).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AccessKeyID for authentication. Prefer IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) over setting these directly. DO NOT commit
	// credentials to source control.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`

	// UsePathStyle switches to path-style addressing.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// Interval is the automatic snapshot cadence. Zero disables the
	// loop; Client.Snapshot still works on demand.
	Interval time.Duration `json:"interval" yaml:"-"`

	// Compression enables snappy compression of manifests.
	Compression bool `json:"compression" yaml:"compression"`

	// MaxRetries is the attempts per upload. Default: 3.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// s3PutAPI is the slice of the S3 client the archiver uses. Tests swap in
// a fake.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotArchiver uploads collection manifests to S3 on an interval.
type SnapshotArchiver struct {
	client *Client
	cfg    SnapshotConfig
	logger *slog.Logger

	api     s3PutAPI
	lister  NodeLister
	retryer *Retryer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotArchiver builds an archiver for c. The store must implement
// NodeLister; both built-in stores do.
func NewSnapshotArchiver(c *Client, cfg SnapshotConfig) (*SnapshotArchiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("snapshot: bucket is required")
	}
	lister, ok := c.store.(NodeLister)
	if !ok {
		return nil, errors.New("snapshot: store does not implement NodeLister")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotArchiver{
		client: c,
		cfg:    cfg,
		logger: c.logger.With("component", "snapshot"),
		api:    s3.NewFromConfig(awsCfg, s3Opts...),
		lister: lister,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the interval loop. A zero interval means manual
// snapshots only.
func (a *SnapshotArchiver) Start() {
	if a.cfg.Interval <= 0 {
		return
	}
	a.wg.Add(1)
	go a.loop()
}

// Stop halts the loop. An upload in flight finishes or fails on its own.
func (a *SnapshotArchiver) Stop() {
	a.cancel()
	a.wg.Wait()
}

func (a *SnapshotArchiver) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			key, err := a.Snapshot(a.ctx)
			if err != nil {
				a.logger.Warn("snapshot failed", "bucket", a.cfg.Bucket, "err", err)
				continue
			}
			a.logger.Debug("snapshot uploaded", "key", key)
		}
	}
}

// Snapshot builds and uploads one manifest, returning its object key.
func (a *SnapshotArchiver) Snapshot(ctx context.Context) (string, error) {
	manifest, err := a.buildManifest(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal manifest: %w", err)
	}

	contentType := "application/json"
	ext := ".json"
	if a.cfg.Compression {
		payload = snappy.Encode(nil, payload)
		contentType = "application/octet-stream"
		ext = ".json.sz"
	}

	key := fmt.Sprintf("%ssnapshots/%s/%s%s",
		a.cfg.Prefix, manifest.Client,
		manifest.TakenAt.UTC().Format("20060102T150405.000Z"), ext)

	result := a.retryer.Do(ctx, func() error {
		_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return "", result.LastErr
	}
	return key, nil
}

// snapshotManifest is the uploaded document: projected values per
// collection plus the sync positions needed to judge its freshness.
type snapshotManifest struct {
	TakenAt     time.Time            `json:"taken_at"`
	Client      ClientID             `json:"client"`
	Session     string               `json:"session"`
	Clock       LogicalClock         `json:"clock"`
	Collections []snapshotCollection `json:"collections"`
}

type snapshotCollection struct {
	Collection CollectionID     `json:"collection"`
	Cursor     *Cursor          `json:"cursor"`
	Pending    int              `json:"pending"`
	Nodes      map[NodeID]Value `json:"nodes"`
}

func (a *SnapshotArchiver) buildManifest(ctx context.Context) (*snapshotManifest, error) {
	c := a.client
	manifest := &snapshotManifest{
		TakenAt:     time.Now().UTC(),
		Client:      c.ClientID(),
		Session:     c.SessionID(),
		Clock:       c.Clock(),
		Collections: make([]snapshotCollection, 0, len(c.cols)),
	}

	for _, col := range c.cols {
		nodes, err := a.lister.Nodes(ctx, col)
		if err != nil {
			return nil, fmt.Errorf("snapshot: list %q: %w", col, err)
		}
		values := make(map[NodeID]Value, len(nodes))
		for node, data := range nodes {
			value, err := c.crdt.Value(data)
			if err != nil {
				return nil, newSyncError(SyncErrorTypeProject, col,
					fmt.Sprintf("project node %q", node), err)
			}
			values[node] = value
		}

		pending, err := c.store.PendingDeltas(ctx, col)
		if err != nil {
			return nil, fmt.Errorf("snapshot: pending %q: %w", col, err)
		}

		sc := snapshotCollection{
			Collection: col,
			Pending:    len(pending),
			Nodes:      values,
		}
		if cursor, ok, err := c.store.ServerCursor(ctx, col); err != nil {
			return nil, fmt.Errorf("snapshot: cursor %q: %w", col, err)
		} else if ok {
			sc.Cursor = &cursor
		}
		manifest.Collections = append(manifest.Collections, sc)
	}
	return manifest, nil
}
