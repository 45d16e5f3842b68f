// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tremorlab/quakescan-go/internal/conf"
	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/internal/observability/metrics"
)

// Interface abstracts the underlying database implementation and defines the
// operations the detection pipeline needs.
type Interface interface {
	Open() error
	Close() error
	Save(ctx context.Context, rec *DetectionRecord) error
	SaveFamily(ctx context.Context, templateName string, recs []DetectionRecord) error
	Get(ctx context.Context, id string) (DetectionRecord, error)
	GetByTemplate(ctx context.Context, templateName string) ([]DetectionRecord, error)
	Delete(ctx context.Context, id string) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB      *gorm.DB // GORM database instance
	metrics *metrics.DatastoreMetrics
}

// New creates a store for whichever database output is enabled in settings.
// dsMetrics may be nil, the store then runs without instrumentation.
func New(settings *conf.Settings, dsMetrics *metrics.DatastoreMetrics) (Interface, error) {
	switch {
	case settings == nil:
		return nil, errors.Newf("no settings provided").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	case settings.Output.SQLite.Enabled && settings.Output.MySQL.Enabled:
		return nil, errors.Newf("both sqlite and mysql outputs are enabled, enable only one").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			DataStore: DataStore{metrics: dsMetrics},
			Settings:  settings,
		}, nil
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			DataStore: DataStore{metrics: dsMetrics},
			Settings:  settings,
		}, nil
	default:
		return nil, errors.Newf("no database output is enabled").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// Save stores a single detection and its picks in one transaction.
func (ds *DataStore) Save(ctx context.Context, rec *DetectionRecord) error {
	if rec == nil {
		return errors.Newf("nothing to save: detection record is nil").
			Component("datastore").
			Category(errors.CategoryContract).
			Build()
	}
	return ds.saveAll(ctx, []*DetectionRecord{rec})
}

// SaveFamily stores every detection of one template family in a single
// transaction. Each record is stamped with templateName so the family a
// record was saved under always wins over whatever the caller filled in.
// Saving a detection id that already exists overwrites the earlier row and
// replaces its picks.
func (ds *DataStore) SaveFamily(ctx context.Context, templateName string, recs []DetectionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	ptrs := make([]*DetectionRecord, len(recs))
	for i := range recs {
		recs[i].TemplateName = templateName
		ptrs[i] = &recs[i]
	}
	return ds.saveAll(ctx, ptrs)
}

// saveAll writes the given records and their picks as one transaction.
func (ds *DataStore) saveAll(ctx context.Context, recs []*DetectionRecord) error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	start := time.Now()

	// Begin a transaction
	tx := ds.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.New(tx.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "begin_transaction").
			Build()
	}

	// Roll back the transaction if a panic occurs
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	picksSaved := 0
	for _, rec := range recs {
		n, err := saveRecordTx(tx, rec)
		if err != nil {
			tx.Rollback()
			ds.noteTransaction(metrics.LabelRollback, start)
			return err
		}
		picksSaved += n
	}

	// Commit the transaction
	if err := tx.Commit().Error; err != nil {
		ds.noteTransaction(metrics.LabelRollback, start)
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "commit_transaction").
			Build()
	}

	ds.noteTransaction(metrics.LabelCommit, start)
	if ds.metrics != nil {
		ds.metrics.RecordRowsSaved(len(recs), picksSaved)
	}

	getLogger().Debug("Saved detections",
		"count", len(recs),
		"picks", picksSaved,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// saveRecordTx upserts one detection row inside tx and replaces its picks.
// It returns the number of picks written.
func saveRecordTx(tx *gorm.DB, rec *DetectionRecord) (int, error) {
	if rec.ID == "" {
		return 0, errors.Newf("detection record has no id").
			Component("datastore").
			Category(errors.CategoryValidation).
			Context("template", rec.TemplateName).
			Build()
	}

	// Re-running a detection pass must overwrite earlier rows, not duplicate
	// them. Picks are inserted separately below, so the association is omitted
	// here to keep the upsert to the detection row itself.
	err := tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save_detection").
			Context("detection_id", rec.ID).
			Build()
	}

	// Picks are replaced wholesale, stale rows from a previous run would
	// otherwise linger next to the fresh ones.
	if err := tx.Where("detection_id = ?", rec.ID).Delete(&PickRecord{}).Error; err != nil {
		return 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "delete_picks").
			Context("detection_id", rec.ID).
			Build()
	}

	for i := range rec.Picks {
		rec.Picks[i].ID = 0 // let the database assign fresh ids
		rec.Picks[i].DetectionID = rec.ID
		if err := tx.Create(&rec.Picks[i]).Error; err != nil {
			return 0, errors.New(err).
				Component("datastore").
				Category(errors.CategoryDatabase).
				Context("operation", "save_pick").
				Context("detection_id", rec.ID).
				Context("channel", rec.Picks[i].Channel).
				Build()
		}
	}

	return len(rec.Picks), nil
}

// Get retrieves a detection with its picks by detection id.
func (ds *DataStore) Get(ctx context.Context, id string) (DetectionRecord, error) {
	if ds.DB == nil {
		return DetectionRecord{}, errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	var rec DetectionRecord
	err := ds.DB.WithContext(ctx).Preload("Picks").First(&rec, "id = ?", id).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return DetectionRecord{}, errors.Newf("detection %s not found: %w", id, err).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	case err != nil:
		return DetectionRecord{}, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_detection").
			Context("detection_id", id).
			Build()
	}

	if ds.metrics != nil {
		ds.metrics.RecordQueryResultSize(metrics.OpDbQuery, 1)
	}
	return rec, nil
}

// GetByTemplate retrieves every stored detection of a template, oldest first.
func (ds *DataStore) GetByTemplate(ctx context.Context, templateName string) ([]DetectionRecord, error) {
	if ds.DB == nil {
		return nil, errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	var recs []DetectionRecord
	err := ds.DB.WithContext(ctx).
		Preload("Picks").
		Where("template_name = ?", templateName).
		Order("detect_time asc").
		Find(&recs).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_by_template").
			Context("template", templateName).
			Build()
	}

	if ds.metrics != nil {
		ds.metrics.RecordQueryResultSize(metrics.OpDbQuery, len(recs))
	}
	return recs, nil
}

// Delete removes a detection and its picks from the database.
func (ds *DataStore) Delete(ctx context.Context, id string) error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	start := time.Now()
	tx := ds.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.New(tx.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "begin_transaction").
			Build()
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	// Cascade constraints only help on engines that enforce them, deleting
	// the picks explicitly keeps SQLite without foreign_keys pragma clean too.
	if err := tx.Where("detection_id = ?", id).Delete(&PickRecord{}).Error; err != nil {
		tx.Rollback()
		ds.noteTransaction(metrics.LabelRollback, start)
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "delete_picks").
			Context("detection_id", id).
			Build()
	}

	res := tx.Where("id = ?", id).Delete(&DetectionRecord{})
	if res.Error != nil {
		tx.Rollback()
		ds.noteTransaction(metrics.LabelRollback, start)
		return errors.New(res.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "delete_detection").
			Context("detection_id", id).
			Build()
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		ds.noteTransaction(metrics.LabelRollback, start)
		return errors.Newf("detection %s not found", id).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}

	if err := tx.Commit().Error; err != nil {
		ds.noteTransaction(metrics.LabelRollback, start)
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "commit_transaction").
			Build()
	}

	ds.noteTransaction(metrics.LabelCommit, start)
	return nil
}

// Close releases the underlying database connection.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}

	sqlDB, err := ds.DB.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "close").
			Build()
	}
	if err := sqlDB.Close(); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "close").
			Build()
	}
	return nil
}

// noteTransaction records transaction outcome metrics when instrumentation
// is attached.
func (ds *DataStore) noteTransaction(status string, start time.Time) {
	if ds.metrics == nil {
		return
	}
	ds.metrics.RecordTransaction(status)
	ds.metrics.RecordTransactionDuration(metrics.OpTransaction, time.Since(start).Seconds())
}
