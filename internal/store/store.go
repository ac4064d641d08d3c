// Package store is the persistence gateway: users, friendships, groups and
// messages behind gorm, with MySQL, PostgreSQL and SQLite dialects.
package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/chatroom/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("record not found")

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// Options selects the database to open.
type Options struct {
	Dialect string
	DSN     string
	// Verbose turns on gorm statement logging.
	Verbose bool
	// Logger receives gorm's logs. Nil discards them.
	Logger *zap.Logger
}

// Store implements every collaborator call the real-time core makes. Each
// method runs as its own statement or transaction; no transaction spans calls.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Dialect) {
	case DialectMySQL:
		dialector = mysql.Open(opts.DSN)
	case DialectPostgres:
		dialector = postgres.Open(opts.DSN)
	case DialectSQLite, "":
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, errors.Errorf("unsupported database dialect %q", opts.Dialect)
	}

	level := logger.Warn
	if opts.Verbose {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(opts.Logger, level)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", opts.Dialect)
	}
	return New(db), nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Friendship{},
		&models.Group{},
		&models.GroupMember{},
		&models.Message{},
	)
	return errors.Wrap(err, "auto-migrate")
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql handle")
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
