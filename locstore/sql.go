package locstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// locationRow SQL row of one collector's location
type locationRow struct {
	EntityID    string `gorm:"primaryKey;size:128"`
	Latitude    *float64
	Longitude   *float64
	DisplayName *string
	// Revision bumped by the database on every write to the row
	Revision  int64 `gorm:"not null;default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time      `gorm:"index"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (r locationRow) toRecord() Record {
	return Record{
		EntityID:    r.EntityID,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		DisplayName: r.DisplayName,
		UpdatedAt:   r.UpdatedAt,
	}
}

var tableNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// DefaultSQLChangeLag how far behind the newest seen updated_at a change poll re-reads
const DefaultSQLChangeLag = time.Second * 5

// sqlStore location store on a SQL table. Changes are found by polling the updated_at
// column; removals are soft deletes so they show up the same way. updated_at is stamped
// by the writer, so a write can commit after one with a later stamp. Each poll re-reads
// a lag window behind its cursor and de-duplicates rows by revision.
type sqlStore struct {
	common.Component
	db           *gorm.DB
	table        string
	pollInterval time.Duration
	changeLag    time.Duration
	buffer       int
	// notify wake up the local subscriptions after a write through this store
	notify     map[string]chan struct{}
	notifyLock sync.Mutex
}

// OpenSQLDatabase open the gorm database for the SQL location store
func OpenSQLDatabase(cfg common.SQLConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err == nil {
			sqlDB, err2 := db.DB()
			if err2 != nil {
				return nil, err2
			}
			// sqlite serializes writers; a single connection also keeps an in-memory
			// database alive
			sqlDB.SetMaxOpenConns(1)
		}
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err == nil {
			sqlDB, err2 := db.DB()
			if err2 != nil {
				return nil, err2
			}
			sqlDB.SetMaxOpenConns(10)
		}
	default:
		err = fmt.Errorf("unsupported SQL driver '%s'", cfg.Driver)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"module": "locstore", "component": "sql", "instance": cfg.Driver,
		}).Error("Unable to open database")
		return nil, err
	}
	return db, nil
}

// GetSQLStore define a location store on a SQL table. changeLag bounds how late a write
// may commit relative to its updated_at and still reach subscribers.
func GetSQLStore(
	db *gorm.DB,
	bucket string,
	pollInterval time.Duration,
	changeLag time.Duration,
	subscribeBuffer int,
) (LocationStore, error) {
	if subscribeBuffer < 1 {
		return nil, fmt.Errorf("subscribe buffer must be at least 1")
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if changeLag <= 0 {
		changeLag = DefaultSQLChangeLag
	}
	table := fmt.Sprintf("locations_%s", tableNameSanitizer.ReplaceAllString(bucket, "_"))
	logTags := log.Fields{
		"module": "locstore", "component": "sql", "instance": table,
	}
	if err := db.Table(table).AutoMigrate(&locationRow{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Table migration failed")
		return nil, err
	}
	return &sqlStore{
		Component:    common.Component{LogTags: logTags},
		db:           db,
		table:        table,
		pollInterval: pollInterval,
		changeLag:    changeLag,
		buffer:       subscribeBuffer,
		notify:       make(map[string]chan struct{}),
	}, nil
}

// bumpRevision the assignment incrementing the stored revision of the row being written
func (s *sqlStore) bumpRevision() clause.Expr {
	return gorm.Expr("?.revision + 1", clause.Table{Name: s.table})
}

// wakeSubscribers trigger an immediate poll on the local subscriptions
func (s *sqlStore) wakeSubscribers() {
	s.notifyLock.Lock()
	defer s.notifyLock.Unlock()
	for _, ch := range s.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *sqlStore) Upsert(ctxt context.Context, entityID string, fields Fields) error {
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	now := time.Now().UTC()
	row := locationRow{
		EntityID:    entityID,
		Latitude:    fields.Latitude,
		Longitude:   fields.Longitude,
		DisplayName: fields.DisplayName,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Only the written columns change on conflict; a removed record comes back
	assignments := map[string]interface{}{
		"updated_at": now, "deleted_at": nil, "revision": s.bumpRevision(),
	}
	if fields.Latitude != nil {
		assignments["latitude"] = *fields.Latitude
	}
	if fields.Longitude != nil {
		assignments["longitude"] = *fields.Longitude
	}
	if fields.DisplayName != nil {
		assignments["display_name"] = *fields.DisplayName
	}
	tx := s.db.WithContext(ctxt).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&row)
	if tx.Error != nil {
		err := fmt.Errorf("%w: %s: %s", ErrStoreWriteFailed, entityID, tx.Error)
		log.WithError(err).WithFields(logTags).Error("Upsert failed")
		return err
	}
	log.WithFields(logTags).Debugf("Upserted %s", entityID)
	s.wakeSubscribers()
	return nil
}

func (s *sqlStore) Get(ctxt context.Context, entityID string) (Record, error) {
	var row locationRow
	tx := s.db.WithContext(ctxt).Table(s.table).Where("entity_id = ?", entityID).First(&row)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, tx.Error
	}
	return row.toRecord(), nil
}

func (s *sqlStore) Delete(ctxt context.Context, entityID string) error {
	now := time.Now().UTC()
	tx := s.db.WithContext(ctxt).Table(s.table).
		Where("entity_id = ? AND deleted_at IS NULL", entityID).
		Updates(map[string]interface{}{
			"deleted_at": now, "updated_at": now, "revision": s.bumpRevision(),
		})
	if tx.Error != nil {
		logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
		log.WithError(tx.Error).WithFields(logTags).Errorf("Failed to delete %s", entityID)
		return fmt.Errorf("%w: %s", ErrStoreWriteFailed, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	s.wakeSubscribers()
	return nil
}

// scopeFilter limit a query to the filtered entities
func scopeFilter(filter Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(filter.EntityIDs) == 0 {
			return db
		}
		return db.Where("entity_id IN ?", filter.EntityIDs)
	}
}

func (s *sqlStore) Subscribe(ctxt context.Context, filter Filter) (Subscription, error) {
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	subID := uuid.New().String()
	logTags["subscription"] = subID

	wake := make(chan struct{}, 1)
	sub := newSubscriptionBase(ctxt, filter, s.buffer, func() {
		s.notifyLock.Lock()
		defer s.notifyLock.Unlock()
		delete(s.notify, subID)
	})

	// Snapshot, including removed rows so the cursor starts past them
	var rows []locationRow
	tx := s.db.WithContext(ctxt).Table(s.table).Unscoped().
		Scopes(scopeFilter(filter)).Order("updated_at asc").Find(&rows)
	if tx.Error != nil {
		sub.cancel()
		err := fmt.Errorf("%w: %s", ErrStoreSubscribeFailed, tx.Error)
		log.WithError(err).WithFields(logTags).Error("Snapshot query failed")
		return nil, err
	}
	// versions last revision seen per entity
	versions := map[string]int64{}
	var cursor time.Time
	snapshot := ChangeBatch{Snapshot: true}
	for _, row := range rows {
		versions[row.EntityID] = row.Revision
		if row.UpdatedAt.After(cursor) {
			cursor = row.UpdatedAt
		}
		if row.DeletedAt.Valid {
			continue
		}
		if change, ok := sub.classify(row.toRecord(), false); ok {
			snapshot.Changes = append(snapshot.Changes, change)
		}
	}

	s.notifyLock.Lock()
	s.notify[subID] = wake
	s.notifyLock.Unlock()

	// poll read the rows written since the cursor, less the lag window. Rows already seen
	// at their current revision are skipped.
	poll := func() (ChangeBatch, error) {
		var rows []locationRow
		tx := s.db.WithContext(sub.ctxt).Table(s.table).Unscoped().
			Scopes(scopeFilter(filter)).
			Where("updated_at >= ?", cursor.Add(-s.changeLag)).
			Order("updated_at asc").Find(&rows)
		if tx.Error != nil {
			return ChangeBatch{}, tx.Error
		}
		batch := ChangeBatch{}
		for _, row := range rows {
			if seen, ok := versions[row.EntityID]; ok && row.Revision <= seen {
				continue
			}
			versions[row.EntityID] = row.Revision
			if row.UpdatedAt.After(cursor) {
				cursor = row.UpdatedAt
			}
			if change, ok := sub.classify(row.toRecord(), row.DeletedAt.Valid); ok {
				batch.Changes = append(batch.Changes, change)
			}
		}
		return batch, nil
	}

	sub.start(func() {
		defer log.WithFields(logTags).Debug("Poll loop exiting")
		if !sub.deliver(snapshot) {
			return
		}
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.ctxt.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
			batch, err := poll()
			if err != nil {
				if sub.ctxt.Err() != nil {
					return
				}
				err = fmt.Errorf("%w: %s", ErrStoreSubscribeFailed, err)
				log.WithError(err).WithFields(logTags).Error("Change poll failed")
				sub.fail(err)
				return
			}
			if !sub.deliver(batch) {
				return
			}
		}
	})
	log.WithFields(logTags).Debug("Opened subscription")
	return sub, nil
}

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
