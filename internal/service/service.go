package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kotori-audio/kotori/internal/catalog"
	"github.com/kotori-audio/kotori/internal/similarity"
	"github.com/kotori-audio/kotori/internal/storage"
	"github.com/kotori-audio/kotori/pkg/logger"
	"github.com/kotori-audio/kotori/pkg/models"
)

// Logger is the logging surface the engine needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Engine is the track metadata revision and fingerprint matching engine.
// It composes the similarity matcher, the tag-type catalog and the
// relational store behind the query and mutation entry points.
type Engine struct {
	db      *storage.DBClient
	catalog *catalog.Catalog
	matcher *similarity.Matcher
	log     Logger
}

type Config struct {
	DBPath     string
	DB         *storage.DBClient
	Logger     Logger
	CatalogTTL time.Duration
	MatchOpts  []similarity.Option
}

type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) {
		c.DBPath = path
	}
}

// WithDB injects an already opened store. The engine still closes it.
func WithDB(db *storage.DBClient) Option {
	return func(c *Config) {
		c.DB = db
	}
}

func WithLogger(log Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

func WithCatalogTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.CatalogTTL = ttl
	}
}

func WithMatchOptions(opts ...similarity.Option) Option {
	return func(c *Config) {
		c.MatchOpts = append(c.MatchOpts, opts...)
	}
}

func New(opts ...Option) (*Engine, error) {
	cfg := &Config{DBPath: storage.DefaultDBFile}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	db := cfg.DB
	if db == nil {
		var err error
		db, err = storage.NewDBClientWithPath(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	var catOpts []catalog.Option
	if cfg.CatalogTTL > 0 {
		catOpts = append(catOpts, catalog.WithTTL(cfg.CatalogTTL))
	}

	return &Engine{
		db:      db,
		catalog: catalog.New(db, catOpts...),
		matcher: similarity.NewMatcher(db, cfg.MatchOpts...),
		log:     cfg.Logger,
	}, nil
}

// Query answers a batch of fingerprint lookups. The result list mirrors the
// input 1:1 and in order; a fingerprint without candidates gets an empty
// Tracks slice. Per candidate track it returns the match score and the
// current value of every tag ever set for it.
func (e *Engine) Query(ctx context.Context, fingerprints []models.Fingerprint) ([]models.QueryResult, error) {
	results := make([]models.QueryResult, len(fingerprints))
	for i, fp := range fingerprints {
		results[i] = models.QueryResult{Fingerprint: fp, Tracks: []models.TrackMatch{}}
	}
	if len(fingerprints) == 0 {
		return results, nil
	}

	candidates, err := e.matcher.TopMatches(ctx, fingerprints)
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}

	seen := make(map[uint]bool)
	var fingerprintIDs []uint
	for _, cands := range candidates {
		for _, c := range cands {
			if !seen[c.FingerprintID] {
				seen[c.FingerprintID] = true
				fingerprintIDs = append(fingerprintIDs, c.FingerprintID)
			}
		}
	}

	rows, err := e.db.TrackMetadataByFingerprintIDs(ctx, fingerprintIDs)
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}

	// Group rows: per fingerprint the ordered track list, per track the
	// current tag values. Rows arrive revision-ascending per slot, so
	// overwriting leaves the current value.
	trackOrder := make(map[uint][]string, len(fingerprintIDs))
	trackTags := make(map[string]map[string]string)
	for _, row := range rows {
		tags := trackTags[row.TrackID]
		if tags == nil {
			tags = make(map[string]string)
			trackTags[row.TrackID] = tags
			trackOrder[row.FingerprintID] = append(trackOrder[row.FingerprintID], row.TrackID)
		}
		tags[row.TagName] = string(row.Value)
	}

	for qi, cands := range candidates {
		for _, c := range cands {
			for _, trackID := range trackOrder[c.FingerprintID] {
				tags := make(map[string]string, len(trackTags[trackID]))
				for name, value := range trackTags[trackID] {
					tags[name] = value
				}
				results[qi].Tracks = append(results[qi].Tracks, models.TrackMatch{
					TrackID: trackID,
					Score:   c.Score,
					Tags:    tags,
				})
			}
		}
	}

	e.log.Debugf("query: %d fingerprints, %d candidate fingerprints", len(fingerprints), len(fingerprintIDs))
	return results, nil
}

// UpdateAll applies a batch of tag edits as one transaction. Every track
// must already exist with at least one revision and every new tag name must
// be in the valid vocabulary, otherwise the whole batch is rejected and
// nothing is written. Repeating identical values appends nothing.
func (e *Engine) UpdateAll(ctx context.Context, userID uint, updates []models.UpdateItem) error {
	if err := e.ensureActiveUser(ctx, userID); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	valid, err := e.catalog.Lookup(ctx)
	if err != nil {
		return ErrStore.Wrap(err)
	}

	err = e.db.Transaction(ctx, func(tx *storage.DBClient) error {
		trackIDs := make([]string, 0, len(updates))
		for _, u := range updates {
			trackIDs = append(trackIDs, u.TrackID)
		}

		// The read and the append share this transaction, so concurrent
		// batches touching the same track cannot lose updates.
		stored, err := tx.TagStateByTrackIDs(ctx, trackIDs)
		if err != nil {
			return ErrStore.Wrap(err)
		}

		var staged []storage.Tag
		for _, u := range updates {
			state, ok := stored[u.TrackID]
			if !ok || len(state) == 0 {
				return ErrValidation.New("unknown track id %q", u.TrackID)
			}
			rows, err := diffTags(u.TrackID, userID, u.Tags, state, valid)
			if err != nil {
				return err
			}
			staged = append(staged, rows...)
		}

		if len(staged) == 0 {
			return nil
		}
		if err := tx.AppendTags(ctx, staged); err != nil {
			return ErrStore.Wrap(err)
		}
		e.log.Infof("user %d appended %d tag revisions across %d tracks", userID, len(staged), len(updates))
		return nil
	})
	return err
}

// InsertAll registers a batch of uploads as one transaction: each entry
// resolves its fingerprint (inserted on first sight, reused otherwise),
// creates a fresh track attributed to the user, and stages every valid tag
// as revision 1. Any validation failure discards the whole batch.
func (e *Engine) InsertAll(ctx context.Context, userID uint, inserts []models.InsertItem) error {
	if err := e.ensureActiveUser(ctx, userID); err != nil {
		return err
	}
	if len(inserts) == 0 {
		return nil
	}
	for i, item := range inserts {
		if len(item.Fingerprint) == 0 {
			return ErrValidation.New("malformed fingerprint at index %d", i)
		}
	}

	valid, err := e.catalog.Lookup(ctx)
	if err != nil {
		return ErrStore.Wrap(err)
	}

	err = e.db.Transaction(ctx, func(tx *storage.DBClient) error {
		var staged []storage.Tag
		for _, item := range inserts {
			fingerprintID, err := tx.GetOrCreateFingerprint(ctx, item.Fingerprint)
			if err != nil {
				return ErrStore.Wrap(err)
			}
			trackID, err := tx.CreateTrack(ctx, fingerprintID, userID)
			if err != nil {
				return ErrStore.Wrap(err)
			}
			rows, err := diffTags(trackID, userID, item.Tags, nil, valid)
			if err != nil {
				return err
			}
			staged = append(staged, rows...)
		}
		if err := tx.AppendTags(ctx, staged); err != nil {
			return ErrStore.Wrap(err)
		}
		e.log.Infof("user %d inserted %d tracks with %d tag revisions", userID, len(inserts), len(staged))
		return nil
	})
	return err
}

// TagNames returns the valid tag vocabulary, ordered by name.
func (e *Engine) TagNames(ctx context.Context) ([]string, error) {
	names, err := e.catalog.Names(ctx)
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	return names, nil
}

// ListTracks returns paginated track metadata ordered by fingerprint then
// track.
func (e *Engine) ListTracks(ctx context.Context, limit, offset int) ([]models.TrackData, error) {
	tracks, err := e.db.PagedTagRows(ctx, limit, offset)
	if err != nil {
		return nil, ErrStore.Wrap(err)
	}
	return tracks, nil
}

// Counts reports corpus sizes for the metrics endpoint.
func (e *Engine) Counts(ctx context.Context) (tracks, fingerprints, revisions int64, err error) {
	tracks, fingerprints, revisions, err = e.db.Counts(ctx)
	if err != nil {
		return 0, 0, 0, ErrStore.Wrap(err)
	}
	return tracks, fingerprints, revisions, nil
}

// ensureActiveUser refuses mutations from unknown, deleted, or not yet
// activated accounts before any transaction begins.
func (e *Engine) ensureActiveUser(ctx context.Context, userID uint) error {
	user, err := e.db.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound.New("unknown user %d", userID)
		}
		return ErrStore.Wrap(err)
	}
	if user.IsDeleted || !user.IsActivated {
		return ErrNotFound.New("user %d is disabled", userID)
	}
	return nil
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.db.Close()
}
