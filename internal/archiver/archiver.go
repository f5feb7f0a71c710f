// Package archiver implements retention archiving: rows older than a
// configured window are snapshotted into sibling "_archive_old" tables
// and the snapshot is uploaded to S3-compatible object storage, on a
// cron schedule, grounded on the teacher's backup-service shape
// (snapshot, checksum, upload, rotate) but retargeted at Postgres table
// partitions instead of whole SQLite database files.
package archiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// archivedTables lists every domain table subject to retention archiving.
// ml_features_materialized is deliberately excluded: the updater never
// reads from "_archive_old" tables, so archiving its own output would
// strand it from future backfills.
var archivedTables = []string{
	"price_snapshots", "ohlc_bars", "onchain_data", "macro_series",
	"news_articles", "article_sentiment", "sentiment_aggregates",
	"technical_indicators", "derivatives_data", "market_data",
}

// Config configures the Archiver.
type Config struct {
	Bucket        string
	RetentionDays int
	SweepCron     string // defaults to "@daily"
}

// Archiver snapshots aged rows into "_archive_old" tables and uploads a
// CSV dump of each snapshot to S3-compatible storage.
type Archiver struct {
	db     *sqlx.DB
	s3     *s3.Client
	upload *manager.Uploader
	log    zerolog.Logger
	cfg    Config
	cron   *cron.Cron
}

// New constructs an Archiver. s3Client may be nil only if cfg leaves
// archiving disabled by the caller (Start is never invoked in that case).
func New(db *sqlx.DB, s3Client *s3.Client, log zerolog.Logger, cfg Config) *Archiver {
	if cfg.SweepCron == "" {
		cfg.SweepCron = "@daily"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 180
	}

	return &Archiver{
		db:     db,
		s3:     s3Client,
		upload: manager.NewUploader(s3Client),
		log:    log.With().Str("component", "archiver").Logger(),
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Start schedules the retention sweep.
func (a *Archiver) Start(ctx context.Context) error {
	_, err := a.cron.AddFunc(a.cfg.SweepCron, func() {
		if err := a.Sweep(ctx); err != nil {
			a.log.Error().Err(err).Msg("archive sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("archiver: schedule sweep: %w", err)
	}
	a.cron.Start()
	return nil
}

// Stop halts the scheduled sweep.
func (a *Archiver) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one retention pass over every archived table: rows older
// than the retention window are copied into "<table>_archive_old",
// dumped to a gzip-compressed CSV, uploaded to S3, and deleted from the
// live table.
func (a *Archiver) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	for _, table := range archivedTables {
		if err := a.archiveTable(ctx, table, cutoff); err != nil {
			a.log.Error().Err(err).Str("table", table).Msg("archive table failed")
			continue
		}
	}
	return nil
}

func (a *Archiver) archiveTable(ctx context.Context, table string, cutoff time.Time) error {
	archiveTable := table + "_archive_old"
	dateColumn := dateColumnFor(table)

	moved, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE %s < $1 RETURNING *
		)
		INSERT INTO %s SELECT * FROM moved
	`, table, dateColumn, archiveTable), cutoff)
	if err != nil {
		return fmt.Errorf("archiver: move rows from %s: %w", table, err)
	}

	n, _ := moved.RowsAffected()
	if n == 0 {
		return nil
	}

	rows, err := a.db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE %s < $1`, archiveTable, dateColumn), cutoff)
	if err != nil {
		return fmt.Errorf("archiver: read archived rows from %s: %w", archiveTable, err)
	}
	defer rows.Close()

	payload, checksum, err := dumpCSV(rows)
	if err != nil {
		return fmt.Errorf("archiver: dump %s: %w", archiveTable, err)
	}

	key := fmt.Sprintf("%s/%s-%s.csv.gz", table, time.Now().UTC().Format("2006-01-02"), checksum[:12])
	if _, err := a.upload.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}); err != nil {
		return fmt.Errorf("archiver: upload %s: %w", key, err)
	}

	a.log.Info().
		Str("table", table).
		Int64("rows", n).
		Str("s3_key", key).
		Str("checksum", checksum).
		Msg("archived rows uploaded")

	return nil
}

// dumpCSV drains rows into a gzip-compressed CSV buffer and returns its
// sha256 checksum for S3 key naming and integrity verification.
func dumpCSV(rows *sqlx.Rows) ([]byte, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := csv.NewWriter(gz)

	cols, err := rows.Columns()
	if err != nil {
		return nil, "", err
	}
	if err := w.Write(cols); err != nil {
		return nil, "", err
	}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, "", err
		}
		record := make([]string, len(cols))
		for i, v := range vals {
			record[i] = stringify(v)
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func dateColumnFor(table string) string {
	if table == "price_snapshots" {
		return "ts"
	}
	if table == "news_articles" {
		return "published_at"
	}
	return "date"
}
