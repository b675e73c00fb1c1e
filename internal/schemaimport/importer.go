// Package schemaimport loads field descriptions into the vector index, either
// from a schema CSV or from the virtual key registry.
package schemaimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/vectorindex"
	"github.com/sirupsen/logrus"
)

// SourceVirtual tags entries synced from the virtual key registry.
const SourceVirtual = "virtual"

const defaultBatchSize = 64

// Index is the part of the vector index the importer writes to.
type Index interface {
	EnsureIndex(ctx context.Context) error
	Drop(ctx context.Context) error
	Upsert(ctx context.Context, entries []models.SchemaVectorEntry) error
}

// Embedder embeds descriptions in batches.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ObjectGetter is satisfied by *s3.Client.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures an Importer.
type Options struct {
	// Region is used when the S3 client is created lazily.
	Region string
	// S3 overrides the lazily created client.
	S3        ObjectGetter
	BatchSize int
}

// Importer writes field descriptions to the vector index.
type Importer struct {
	index     Index
	embedder  Embedder
	s3        ObjectGetter
	region    string
	batchSize int
	logger    *logrus.Logger
}

// New creates an Importer.
func New(index Index, embedder Embedder, opts Options, logger *logrus.Logger) *Importer {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Importer{
		index:     index,
		embedder:  embedder,
		s3:        opts.S3,
		region:    opts.Region,
		batchSize: opts.BatchSize,
		logger:    logger,
	}
}

// Row is one field of the schema CSV.
type Row struct {
	Name        string
	Description string
	Type        string
	ParentField string
}

// FullText is the text that gets embedded for a field.
func FullText(description, typ, name string) string {
	return fmt.Sprintf("%s [%s] → %s", description, typ, name)
}

// ImportCSV reads the schema CSV at uri (a local path or s3://bucket/key)
// and upserts every field under source. With recreate the index is dropped
// first. Returns the number of fields written.
func (im *Importer) ImportCSV(ctx context.Context, uri, source string, recreate bool) (int, error) {
	rc, err := im.open(ctx, uri)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	rows, err := ParseCSV(rc)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", uri, err)
	}

	if recreate {
		if err := im.index.Drop(ctx); err != nil {
			return 0, fmt.Errorf("drop index: %w", err)
		}
	}
	if err := im.index.EnsureIndex(ctx); err != nil {
		return 0, fmt.Errorf("ensure index: %w", err)
	}

	if source == "" {
		source = vectorindex.DefaultSource
	}
	n, err := im.upsert(ctx, rows, source)
	if err != nil {
		return n, err
	}

	im.logger.WithFields(logrus.Fields{
		"uri":      uri,
		"source":   source,
		"fields":   n,
		"recreate": recreate,
	}).Info("imported schema")
	return n, nil
}

// SyncVirtualKeys upserts registry entries with source "virtual".
func (im *Importer) SyncVirtualKeys(ctx context.Context, defs []models.FieldDefinition) (int, error) {
	if len(defs) == 0 {
		return 0, nil
	}
	if err := im.index.EnsureIndex(ctx); err != nil {
		return 0, fmt.Errorf("ensure index: %w", err)
	}

	rows := make([]Row, 0, len(defs))
	for _, d := range defs {
		parent := d.ParentPath
		if parent == "" {
			parent = models.DefaultParentPath
		}
		rows = append(rows, Row{
			Name:        d.Name,
			Description: fmt.Sprintf("event parameter %s discovered in %s", d.Name, parent),
			Type:        string(d.Type),
			ParentField: parent,
		})
	}

	n, err := im.upsert(ctx, rows, SourceVirtual)
	if err != nil {
		return n, err
	}
	im.logger.WithField("keys", n).Info("synced virtual keys")
	return n, nil
}

func (im *Importer) upsert(ctx context.Context, rows []Row, source string) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += im.batchSize {
		end := min(start+im.batchSize, len(rows))
		chunk := rows[start:end]

		texts := make([]string, len(chunk))
		for i, r := range chunk {
			texts[i] = FullText(r.Description, r.Type, r.Name)
		}
		vecs, err := im.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed fields: %w", err)
		}
		if len(vecs) != len(chunk) {
			return written, fmt.Errorf("embed fields: got %d vectors for %d texts", len(vecs), len(chunk))
		}

		entries := make([]models.SchemaVectorEntry, len(chunk))
		for i, r := range chunk {
			entries[i] = models.SchemaVectorEntry{
				ID:          vectorindex.PointID(r.Name, source),
				Vector:      vecs[i],
				Name:        r.Name,
				Type:        r.Type,
				Description: r.Description,
				ParentField: r.ParentField,
				Source:      source,
				FullText:    texts[i],
			}
		}
		if err := im.index.Upsert(ctx, entries); err != nil {
			return written, fmt.Errorf("upsert fields: %w", err)
		}
		written += len(entries)
	}
	return written, nil
}

// ParseCSV reads a header-led CSV. The type column may be called
// field_type or expected_type and defaults to STRING. Rows with an empty
// name are skipped and only the first row for each name is kept.
func ParseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, apperr.Validation("parse schema csv", "file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, apperr.Validation("parse schema csv", "missing name column")
	}

	get := func(rec []string, names ...string) string {
		for _, n := range names {
			if i, ok := col[n]; ok && i < len(rec) {
				if v := strings.TrimSpace(rec[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var rows []Row
	seen := make(map[string]struct{})
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		name := get(rec, "name")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		typ := get(rec, "field_type", "expected_type")
		if typ == "" {
			typ = string(models.FieldTypeString)
		}
		rows = append(rows, Row{
			Name:        name,
			Description: get(rec, "description"),
			Type:        typ,
			ParentField: get(rec, "parent_field"),
		})
	}
	return rows, nil
}

func (im *Importer) open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if bucket, key, ok := parseS3URI(uri); ok {
		return im.openS3(ctx, bucket, key)
	}

	f, err := os.Open(uri)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("open schema csv", "file not found: %s", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("open schema csv: %w", err)
	}
	return f, nil
}

func (im *Importer) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if im.s3 == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if im.region != "" {
			opts = append(opts, awsconfig.WithRegion(im.region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "load AWS config", err)
		}
		im.s3 = s3.NewFromConfig(awsCfg)
	}

	resp, err := im.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, apperr.NotFound("open schema csv", "object not found: s3://%s/%s", bucket, key)
		}
		return nil, apperr.Wrap(apperr.KindTransientService, "get schema csv", err)
	}
	return resp.Body, nil
}

func parseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
