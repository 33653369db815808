package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"guidecast/models"
)

const (
	// insertBatchRows keeps bound parameters under sqlite's default
	// 999-variable limit (8 columns per programme row).
	insertBatchRows  = 100
	descriptionLimit = 500

	metaKeyLastUpdated  = "last_updated"
	metaKeyFirstSession = "first_session_after_download"
)

// Store persists guide data with a bounded retention window. Every save
// replaces the previous snapshot inside a single transaction, so readers
// never observe a half-written guide.
type Store struct {
	db *sql.DB

	RetentionPast   time.Duration
	RetentionFuture time.Duration

	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:              db,
		RetentionPast:   2 * time.Hour,
		RetentionFuture: 22 * time.Hour,
		now:             time.Now,
	}
}

// SaveFull replaces the stored guide with the given channels and the
// subset of programmes inside the retention window (or currently on
// air). It returns the programme records actually persisted, with
// derived fields filled in.
func (s *Store) SaveFull(ctx context.Context, channels []models.ChannelRecord, programmes []models.ProgrammeRecord, sourceTag string) ([]models.ProgrammeRecord, error) {
	now := s.now().UTC()
	windowStart := now.Add(-s.RetentionPast)
	windowEnd := now.Add(s.RetentionFuture)

	kept := make([]models.ProgrammeRecord, 0, len(programmes))
	for _, p := range programmes {
		if !p.End.After(p.Start) {
			continue
		}
		inWindow := !p.Start.Before(windowStart) && !p.Start.After(windowEnd)
		onAir := !p.Start.After(now) && !p.End.Before(now)
		if !inWindow && !onAir {
			continue
		}
		p.Start = p.Start.UTC()
		p.End = p.End.UTC()
		p.DurationMinutes = int(p.End.Sub(p.Start).Round(time.Minute) / time.Minute)
		if p.Category == "" {
			p.Category = deriveCategory(p.Title)
		}
		if len([]rune(p.Description)) > descriptionLimit {
			p.Description = string([]rune(p.Description)[:descriptionLimit])
		}
		p.SourceTag = sourceTag
		kept = append(kept, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM epg_programmes`); err != nil {
		return nil, fmt.Errorf("clear programmes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM epg_channels`); err != nil {
		return nil, fmt.Errorf("clear channels: %w", err)
	}

	for start := 0; start < len(channels); start += insertBatchRows {
		end := min(start+insertBatchRows, len(channels))
		if err := insertChannelBatch(ctx, tx, channels[start:end]); err != nil {
			return nil, fmt.Errorf("insert channels: %w", err)
		}
	}
	for start := 0; start < len(kept); start += insertBatchRows {
		end := min(start+insertBatchRows, len(kept))
		if err := insertProgrammeBatch(ctx, tx, kept[start:end]); err != nil {
			return nil, fmt.Errorf("insert programmes: %w", err)
		}
	}

	if err := setMeta(ctx, tx, metaKeyLastUpdated, now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("stamp last updated: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}
	return kept, nil
}

func insertChannelBatch(ctx context.Context, tx *sql.Tx, channels []models.ChannelRecord) error {
	if len(channels) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO epg_channels (id, display_name, icon_url, category, language) VALUES `)
	args := make([]any, 0, len(channels)*5)
	for i, ch := range channels {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		category := ch.Category
		if category == "" {
			category = deriveCategory(ch.DisplayName)
		}
		args = append(args, ch.ID, ch.DisplayName, ch.IconURL, category, ch.Language)
	}
	sb.WriteString(` ON CONFLICT(id) DO NOTHING`)
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func insertProgrammeBatch(ctx context.Context, tx *sql.Tx, programmes []models.ProgrammeRecord) error {
	if len(programmes) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO epg_programmes (channel_id, title, description, start_time, end_time, duration_minutes, category, source_tag) VALUES `)
	args := make([]any, 0, len(programmes)*8)
	for i, p := range programmes {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, p.ChannelID, p.Title, p.Description, p.Start.Unix(), p.End.Unix(), p.DurationMinutes, p.Category, p.SourceTag)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// QueryChannels returns every stored channel in insertion order.
func (s *Store) QueryChannels(ctx context.Context) ([]models.ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, icon_url, category, language FROM epg_channels ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []models.ChannelRecord
	for rows.Next() {
		var ch models.ChannelRecord
		if err := rows.Scan(&ch.ID, &ch.DisplayName, &ch.IconURL, &ch.Category, &ch.Language); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// QueryProgrammes returns programmes on the channel that overlap the
// [from, to) range or are currently on air, sorted by start time.
func (s *Store) QueryProgrammes(ctx context.Context, channelID string, from, to time.Time) ([]models.ProgrammeRecord, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, title, description, start_time, end_time, duration_minutes, category, source_tag
		FROM epg_programmes
		WHERE channel_id = ?
		  AND ((start_time < ? AND end_time > ?) OR (start_time <= ? AND end_time >= ?))
		ORDER BY start_time ASC, id ASC`,
		channelID, to.Unix(), from.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query programmes: %w", err)
	}
	defer rows.Close()
	return scanProgrammes(rows)
}

// CountProgrammes reports the total number of stored programme rows.
func (s *Store) CountProgrammes(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epg_programmes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count programmes: %w", err)
	}
	return count, nil
}

// PageProgrammes returns one page of programme rows in a stable global
// order, for progressive hydration.
func (s *Store) PageProgrammes(ctx context.Context, offset, limit int) ([]models.ProgrammeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, title, description, start_time, end_time, duration_minutes, category, source_tag
		FROM epg_programmes
		ORDER BY start_time ASC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page programmes: %w", err)
	}
	defer rows.Close()
	return scanProgrammes(rows)
}

func scanProgrammes(rows *sql.Rows) ([]models.ProgrammeRecord, error) {
	var programmes []models.ProgrammeRecord
	for rows.Next() {
		var p models.ProgrammeRecord
		var start, end int64
		if err := rows.Scan(&p.ChannelID, &p.Title, &p.Description, &start, &end, &p.DurationMinutes, &p.Category, &p.SourceTag); err != nil {
			return nil, fmt.Errorf("scan programme: %w", err)
		}
		p.Start = time.Unix(start, 0).UTC()
		p.End = time.Unix(end, 0).UTC()
		programmes = append(programmes, p)
	}
	return programmes, rows.Err()
}

// Clear removes all guide data, including metadata.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM epg_programmes`,
		`DELETE FROM epg_channels`,
		`DELETE FROM epg_meta`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear guide data: %w", err)
		}
	}
	return tx.Commit()
}

// Stats reports what the store holds, including programmes whose channel
// is missing from the feed. Orphans are tolerated, never dropped.
func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var stats models.StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epg_channels`).Scan(&stats.ChannelCount); err != nil {
		return stats, fmt.Errorf("count channels: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epg_programmes`).Scan(&stats.ProgrammeCount); err != nil {
		return stats, fmt.Errorf("count programmes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM epg_programmes p
		WHERE NOT EXISTS (SELECT 1 FROM epg_channels c WHERE c.id = p.channel_id)`).Scan(&stats.OrphanProgrammes); err != nil {
		return stats, fmt.Errorf("count orphan programmes: %w", err)
	}

	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM epg_meta WHERE key = ?`, metaKeyLastUpdated).Scan(&updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return stats, fmt.Errorf("read last updated: %w", err)
	default:
		if ts, perr := time.Parse(time.RFC3339, updated); perr == nil {
			stats.LastUpdated = &ts
		}
	}
	return stats, nil
}

// FirstSession reports whether the next hydration should be suppressed
// because the data was written earlier in this session.
func (s *Store) FirstSession(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM epg_meta WHERE key = ?`, metaKeyFirstSession).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read session flag: %w", err)
	}
	return value == "true", nil
}

// SetFirstSession persists the post-download session flag.
func (s *Store) SetFirstSession(ctx context.Context, value bool) error {
	str := "false"
	if value {
		str = "true"
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO epg_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeyFirstSession, str); err != nil {
		return fmt.Errorf("write session flag: %w", err)
	}
	return nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO epg_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// deriveCategory maps a channel or programme name onto a coarse genre
// bucket via keyword matching.
func deriveCategory(name string) string {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "SPORT"):
		return "Sport"
	case strings.Contains(upper, "NEWS"), strings.Contains(upper, "INFO"):
		return "News"
	case strings.Contains(upper, "KIDS"), strings.Contains(upper, "CARTOON"):
		return "Kids"
	case strings.Contains(upper, "MOVIE"), strings.Contains(upper, "CINEMA"):
		return "Movies"
	case strings.Contains(upper, "MUSIC"):
		return "Music"
	case strings.Contains(upper, "DOCUMENTARY"):
		return "Documentary"
	default:
		return "General"
	}
}
