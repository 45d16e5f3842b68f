package datastore

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tremorlab/quakescan-go/internal/conf"
	"github.com/tremorlab/quakescan-go/internal/errors"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

func validateMySQLConfig(settings *conf.Settings) error {
	out := settings.Output.MySQL
	if out.Host == "" || out.Port == "" || out.Database == "" {
		return errors.Newf("mysql output is enabled but host, port or database is missing").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// buildMySQLDSN assembles the connection string. Times are stored and read in
// UTC so detect times stay comparable across nodes.
func buildMySQLDSN(settings *conf.Settings) string {
	out := settings.Output.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		out.Username, out.Password, out.Host, out.Port, out.Database)
}

// redactDSN masks the password so connection info can be logged.
func redactDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	colon := strings.Index(dsn, ":")
	if colon == -1 || at == -1 || colon > at {
		return dsn
	}
	return dsn[:colon+1] + "*****" + dsn[at:]
}

// Open sets up the MySQL database connection
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err // validateMySQLConfig returns a properly formatted error
	}

	dsn := buildMySQLDSN(store.Settings)

	// Create a new GORM logger
	newLogger := createGormLogger(store.metrics)

	// Open the MySQL database
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		getLogger().Error("Failed to open MySQL database",
			"host", store.Settings.Output.MySQL.Host,
			"port", store.Settings.Output.MySQL.Port,
			"database", store.Settings.Output.MySQL.Database,
			"error", err)
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open_mysql").
			Context("host", store.Settings.Output.MySQL.Host).
			Context("database", store.Settings.Output.MySQL.Database).
			Build()
	}

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "MySQL", redactDSN(dsn))
}
