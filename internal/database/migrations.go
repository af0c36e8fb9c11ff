package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/MarcoPoloResearchLab/voyager/internal/social"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCollapseDuplicateClaims = "2026-10-01_collapse_duplicate_claims"
	migrationBackfillLegacyStats     = "2026-10-01_backfill_legacy_stats"
	migrationDropLegacyLastGet       = "2026-10-15_drop_legacy_last_get"

	claimsTable = "voyager_gets"
	statsTable  = "voyager_stats"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// Models lists every persisted model.
func Models() []interface{} {
	return []interface{}{
		&ledger.Claim{},
		&ledger.Marker{},
		&social.Block{},
		&leaderboard.Entry{},
		&preferences.Record{},
		&migrationRecord{},
	}
}

// Migrate collapses legacy data that would violate new constraints, creates
// or updates every table, then backfills columns older deployments lacked.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}

	preSchema := []migrationDefinition{
		{name: migrationCollapseDuplicateClaims, apply: collapseDuplicateClaims},
	}
	if err := applyMigrations(db, logger, preSchema); err != nil {
		return err
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}

	postSchema := []migrationDefinition{
		{name: migrationBackfillLegacyStats, apply: backfillLegacyStats},
		{name: migrationDropLegacyLastGet, apply: dropLegacyLastGet},
	}
	return applyMigrations(db, logger, postSchema)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// collapseDuplicateClaims keeps the earliest claim per marker so the unique marker index can be built.
func collapseDuplicateClaims(db *gorm.DB) error {
	if !db.Migrator().HasTable(claimsTable) {
		return nil
	}
	return db.Exec(
		"DELETE FROM voyager_gets WHERE id NOT IN (SELECT MIN(id) FROM voyager_gets GROUP BY voyager_message_id)",
	).Error
}

// backfillLegacyStats converts the legacy last_get timestamp, derives claim times
// from it, and keeps legacy totals by recording the gap to the claim count as an adjustment.
func backfillLegacyStats(db *gorm.DB) error {
	migrator := db.Migrator()
	if migrator.HasColumn(statsTable, "last_get") {
		var convert string
		switch db.Dialector.Name() {
		case DriverPostgres:
			convert = "CAST(EXTRACT(EPOCH FROM last_get) * 1000 AS BIGINT)"
		default:
			convert = "CAST(strftime('%s', last_get) AS INTEGER) * 1000"
		}
		if err := db.Exec("UPDATE voyager_stats SET last_get_ms = " + convert + " WHERE last_get IS NOT NULL AND last_get_ms = 0").Error; err != nil {
			return err
		}
	}
	if err := db.Exec(
		"UPDATE voyager_gets SET claimed_at_ms = COALESCE((SELECT s.last_get_ms FROM voyager_stats s WHERE s.user_id = voyager_gets.user_id), 0) WHERE claimed_at_ms = 0",
	).Error; err != nil {
		return err
	}
	return db.Exec(
		"UPDATE voyager_stats SET adjustment = total_gets - (SELECT COUNT(*) FROM voyager_gets g WHERE g.user_id = voyager_stats.user_id)",
	).Error
}

// dropLegacyLastGet removes the converted timestamp column; legacy schemas declare it
// NOT NULL, which rejects every stats row written without it.
func dropLegacyLastGet(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasColumn(statsTable, "last_get") {
		return nil
	}
	return migrator.DropColumn(statsTable, "last_get")
}
