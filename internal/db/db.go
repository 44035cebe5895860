package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
	"github.com/yungbote/claimspipe/internal/utils"
)

type Service struct {
	db      *gorm.DB
	dialect string
	log     *logger.Logger
}

// New opens the claims database. DB_DRIVER selects the backend: "sqlite"
// (default, file-backed) or "postgres". Claims and documents must survive
// restart, so sqlite always runs in WAL mode with synchronous=FULL.
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := strings.ToLower(utils.GetEnv("DB_DRIVER", "sqlite", log))

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "postgres":
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "claimspipe", log)
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		log.Info("Connecting to Postgres...")
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
	case "sqlite":
		path := utils.GetEnv("SQLITE_PATH", "claimspipe.db", log)
		log.Info("Opening sqlite database...", "path", path)
		db, err = gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (want sqlite or postgres)", driver)
	}
	if err != nil {
		serviceLog.Error("Failed to connect to database", "driver", driver, "error", err)
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// One writer at a time keeps run claiming and history appends serial.
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("unwrap sqlite handle: %w", sqlErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Service{db: db, dialect: driver, log: serviceLog}, nil
}

// NewMemory opens a private in-memory sqlite database. Used by tests and
// the local demo mode; nothing written here survives the process.
func NewMemory(name string, log *logger.Logger) (*Service, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return &Service{db: db, dialect: "sqlite", log: log.With("service", "DBService")}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&types.Document{},
		&types.ClaimDocument{},
		&types.Claim{},
		&types.ExtractedField{},
		&types.ScoreResult{},
		&types.Reassignment{},
		&types.PipelineRun{},
		&types.AuditEvent{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }

// Dialect reports the active driver ("sqlite" or "postgres"). Repos use it
// to decide whether row-locking clauses are available.
func (s *Service) Dialect() string { return s.dialect }
