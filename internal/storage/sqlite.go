package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kotori-audio/kotori/pkg/models"
)

const DefaultDBFile = "kotori.sqlite3"
const errDBClientNil = "db client is nil"

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// User is a contributor account. Mutations are refused for accounts that
// are deleted or not yet activated.
type User struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Mail        string `gorm:"uniqueIndex:idx_user_mail;not null" json:"mail"`
	IsActivated bool   `json:"is_activated"`
	IsDeleted   bool   `json:"is_deleted"`
	CreatedAt   time.Time
}

// Fingerprint is a content-addressed acoustic hash vector. Codes holds the
// vector packed big-endian; the unique index on it is what makes
// GetOrCreateFingerprint race-safe.
type Fingerprint struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	Codes []byte `gorm:"uniqueIndex:idx_fingerprint_codes;not null" json:"codes"`
}

// Track references exactly one fingerprint and the user who created it.
// Several tracks may share a fingerprint; each keeps its own tag history.
type Track struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	FingerprintID uint   `gorm:"index:idx_track_fingerprint;not null" json:"fingerprint_id"`
	UserID        uint   `gorm:"not null" json:"user_id"`
	CreatedAt     time.Time
}

// TagType is one entry of the server-curated tag vocabulary.
type TagType struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex:idx_tag_type_name;not null" json:"name"`
}

// Tag is one revision of one tag value on one track. Rows are append-only;
// the current value of a (track, tag type) slot is the row with the highest
// revision, ties broken by created_at then id.
type Tag struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TrackID   string `gorm:"type:varchar(36);index:idx_tag_slot,priority:1;not null" json:"track_id"`
	TagTypeID uint   `gorm:"index:idx_tag_slot,priority:2;not null" json:"tag_type_id"`
	UserID    uint   `gorm:"not null" json:"user_id"`
	Revision  int    `gorm:"not null" json:"revision"`
	Value     []byte `json:"value"`
	CreatedAt time.Time
}

// defaultTagTypes is the vocabulary seeded at migration time. New types are
// server-curated; clients can only write names present in tag_types.
var defaultTagTypes = []string{
	"album",
	"albumartist",
	"artist",
	"comment",
	"composer",
	"genre",
	"title",
	"tracknumber",
	"year",
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("KOTORI_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&User{}, &Fingerprint{}, &Track{}, &TagType{}, &Tag{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	if err := seedTagTypes(db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("seeding tag types: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func seedTagTypes(db *gorm.DB) error {
	rows := make([]TagType, 0, len(defaultTagTypes))
	for _, name := range defaultTagTypes {
		rows = append(rows, TagType{Name: name})
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&rows).Error
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Transaction runs fn against a client bound to a single database
// transaction. Everything fn does commits or rolls back as one unit.
func (c *DBClient) Transaction(ctx context.Context, fn func(tx *DBClient) error) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DBClient{DB: tx, db: c.db})
	})
}

// PackCodes serializes a fingerprint vector into its canonical stored form.
// Two vectors are the same fingerprint exactly when their packed bytes match.
func PackCodes(fp models.Fingerprint) []byte {
	buf := make([]byte, 4*len(fp))
	for i, code := range fp {
		binary.BigEndian.PutUint32(buf[i*4:], code)
	}
	return buf
}

// UnpackCodes is the inverse of PackCodes.
func UnpackCodes(b []byte) models.Fingerprint {
	fp := make(models.Fingerprint, len(b)/4)
	for i := range fp {
		fp[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return fp
}

// GetOrCreateFingerprint stores the vector on first sight and returns the
// existing row's id afterwards. Insert and duplicate detection happen in a
// single upsert statement, so concurrent identical inserts cannot race into
// two rows.
func (c *DBClient) GetOrCreateFingerprint(ctx context.Context, fp models.Fingerprint) (uint, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}

	row := Fingerprint{Codes: PackCodes(fp)}
	err := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "codes"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("upserting fingerprint: %w", err)
	}
	if row.ID != 0 {
		return row.ID, nil
	}

	// Conflict path: the vector already exists, fetch its id.
	var existing Fingerprint
	if err := c.DB.WithContext(ctx).Where("codes = ?", row.Codes).First(&existing).Error; err != nil {
		return 0, fmt.Errorf("fetching fingerprint after upsert: %w", err)
	}
	return existing.ID, nil
}

// CreateTrack always inserts a new track row; duplicate uploads of the same
// fingerprint deliberately produce distinct tracks.
func (c *DBClient) CreateTrack(ctx context.Context, fingerprintID, userID uint) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	track := Track{ID: uuid.NewString(), FingerprintID: fingerprintID, UserID: userID}
	if err := c.DB.WithContext(ctx).Create(&track).Error; err != nil {
		return "", fmt.Errorf("creating track: %w", err)
	}
	return track.ID, nil
}

// TagTypes returns the full vocabulary ordered by name, in one round trip.
func (c *DBClient) TagTypes(ctx context.Context) ([]models.TagType, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}

	var rows []TagType
	if err := c.DB.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying tag types: %w", err)
	}
	out := make([]models.TagType, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.TagType{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// CreateUser inserts a contributor account.
func (c *DBClient) CreateUser(ctx context.Context, mail string, activated bool) (uint, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}

	user := User{Mail: mail, IsActivated: activated}
	if err := c.DB.WithContext(ctx).Create(&user).Error; err != nil {
		return 0, fmt.Errorf("creating user: %w", err)
	}
	return user.ID, nil
}

// GetUserByID returns the user row or gorm.ErrRecordNotFound.
func (c *DBClient) GetUserByID(ctx context.Context, userID uint) (*User, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}

	var user User
	if err := c.DB.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ForEachFingerprint streams the whole corpus in id order, batchSize rows at
// a time. fn returning an error stops the scan.
func (c *DBClient) ForEachFingerprint(ctx context.Context, batchSize int, fn func(id uint, codes models.Fingerprint) error) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}

	var batch []Fingerprint
	res := c.DB.WithContext(ctx).Model(&Fingerprint{}).FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		for _, row := range batch {
			if err := fn(row.ID, UnpackCodes(row.Codes)); err != nil {
				return err
			}
		}
		return nil
	})
	if res.Error != nil {
		return fmt.Errorf("scanning fingerprints: %w", res.Error)
	}
	return nil
}

// MetadataRow is one (track, tag type, revision) row joined to its
// fingerprint, as fetched for the read path.
type MetadataRow struct {
	FingerprintID uint   `gorm:"column:fingerprint_id"`
	TrackID       string `gorm:"column:track_id"`
	TagName       string `gorm:"column:tag_name"`
	Value         []byte `gorm:"column:value"`
	Revision      int    `gorm:"column:revision"`
}

// TrackMetadataByFingerprintIDs returns every tag revision of every track
// referencing one of the given fingerprints. Rows arrive ordered so that,
// per (track, tag type), the current revision comes last.
func (c *DBClient) TrackMetadataByFingerprintIDs(ctx context.Context, fingerprintIDs []uint) ([]MetadataRow, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if len(fingerprintIDs) == 0 {
		return nil, nil
	}

	var rows []MetadataRow
	err := c.DB.WithContext(ctx).Raw(`
		SELECT tracks.fingerprint_id AS fingerprint_id,
		       tracks.id AS track_id,
		       tag_types.name AS tag_name,
		       tags.value AS value,
		       tags.revision AS revision
		FROM tracks
		INNER JOIN tags ON tags.track_id = tracks.id
		INNER JOIN tag_types ON tag_types.id = tags.tag_type_id
		WHERE tracks.fingerprint_id IN ?
		ORDER BY tracks.fingerprint_id, tracks.id, tags.tag_type_id, tags.revision, tags.created_at, tags.id`,
		fingerprintIDs).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying track metadata: %w", err)
	}
	return rows, nil
}

// TagState is the current stored state of one (track, tag type) slot.
type TagState struct {
	TagTypeID uint
	Value     string
	Revision  int
}

type tagStateRow struct {
	TrackID   string `gorm:"column:track_id"`
	TagName   string `gorm:"column:tag_name"`
	TagTypeID uint   `gorm:"column:tag_type_id"`
	Value     []byte `gorm:"column:value"`
	Revision  int    `gorm:"column:revision"`
}

// TagStateByTrackIDs returns, per track, the current value of every tag that
// has ever been set for it. A track with zero revisions is absent from the
// map entirely. Call this inside the same transaction that appends the
// resulting revisions, otherwise concurrent edits can lose updates.
func (c *DBClient) TagStateByTrackIDs(ctx context.Context, trackIDs []string) (map[string]map[string]TagState, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if len(trackIDs) == 0 {
		return map[string]map[string]TagState{}, nil
	}

	var rows []tagStateRow
	err := c.DB.WithContext(ctx).Raw(`
		SELECT tags.track_id AS track_id,
		       tag_types.name AS tag_name,
		       tags.tag_type_id AS tag_type_id,
		       tags.value AS value,
		       tags.revision AS revision
		FROM tags
		INNER JOIN tag_types ON tag_types.id = tags.tag_type_id
		WHERE tags.track_id IN ?
		ORDER BY tags.track_id, tags.tag_type_id, tags.revision, tags.created_at, tags.id`,
		trackIDs).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying tag state: %w", err)
	}

	// Rows are ordered revision-ascending per slot, so overwriting leaves
	// the current revision in the map.
	state := make(map[string]map[string]TagState, len(trackIDs))
	for _, row := range rows {
		slots := state[row.TrackID]
		if slots == nil {
			slots = make(map[string]TagState)
			state[row.TrackID] = slots
		}
		slots[row.TagName] = TagState{
			TagTypeID: row.TagTypeID,
			Value:     string(row.Value),
			Revision:  row.Revision,
		}
	}
	return state, nil
}

// AppendTags appends revision rows. Rows are never updated in place.
func (c *DBClient) AppendTags(ctx context.Context, rows []Tag) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.DB.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("appending tag revisions: %w", err)
	}
	return nil
}

type pagedTagRow struct {
	TrackID string `gorm:"column:track_id"`
	TagName string `gorm:"column:tag_name"`
	Value   []byte `gorm:"column:value"`
}

// PagedTagRows returns joined tag rows for the track listing, ordered by
// fingerprint then track then tag name. Limit and offset apply to rows.
func (c *DBClient) PagedTagRows(ctx context.Context, limit, offset int) ([]models.TrackData, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}

	var rows []pagedTagRow
	err := c.DB.WithContext(ctx).Raw(`
		SELECT tracks.id AS track_id,
		       tag_types.name AS tag_name,
		       tags.value AS value
		FROM tracks
		INNER JOIN tags ON tags.track_id = tracks.id
		INNER JOIN tag_types ON tag_types.id = tags.tag_type_id
		ORDER BY tracks.fingerprint_id, tracks.id, tag_types.name, tags.revision, tags.id
		LIMIT ? OFFSET ?`,
		limit, offset).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying paged tracks: %w", err)
	}

	out := make([]models.TrackData, 0, len(rows))
	for _, row := range rows {
		var last *models.TrackData
		if len(out) > 0 {
			last = &out[len(out)-1]
		}
		if last == nil || last.TrackID != row.TrackID {
			out = append(out, models.TrackData{TrackID: row.TrackID, Tags: map[string]string{}})
			last = &out[len(out)-1]
		}
		last.Tags[row.TagName] = string(row.Value)
	}
	return out, nil
}

// PurgeTrack removes a track and its whole revision history. The revision
// log is append-only in normal operation; this exists for administrative
// cleanup and tests only.
func (c *DBClient) PurgeTrack(ctx context.Context, trackID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).Delete(&Tag{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", trackID).Delete(&Track{}).Error; err != nil {
			return err
		}
		return nil
	})
}

// Counts reports corpus sizes for the metrics endpoint.
func (c *DBClient) Counts(ctx context.Context) (tracks, fingerprints, revisions int64, err error) {
	if c == nil || c.DB == nil {
		return 0, 0, 0, errors.New(errDBClientNil)
	}
	db := c.DB.WithContext(ctx)
	if err = db.Model(&Track{}).Count(&tracks).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("counting tracks: %w", err)
	}
	if err = db.Model(&Fingerprint{}).Count(&fingerprints).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("counting fingerprints: %w", err)
	}
	if err = db.Model(&Tag{}).Count(&revisions).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("counting tag revisions: %w", err)
	}
	return tracks, fingerprints, revisions, nil
}
