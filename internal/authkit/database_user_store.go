package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists principals using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	Email        string `gorm:"column:email;uniqueIndex;not null"`
	GoogleID     string `gorm:"column:google_id;index;not null;default:''"`
	DisplayName  string `gorm:"column:display_name;not null;default:''"`
	PasswordHash string `gorm:"column:password_hash;not null;default:''"`
	PasswordSalt string `gorm:"column:password_salt;not null;default:''"`
	Banned       bool   `gorm:"column:banned;not null;default:false"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:           record.UserID,
		Email:        record.Email,
		GoogleID:     record.GoogleID,
		DisplayName:  record.DisplayName,
		PasswordHash: record.PasswordHash,
		PasswordSalt: record.PasswordSalt,
		Banned:       record.Banned,
	}
}

// NewDatabaseUserStore constructs a GORM-backed store and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// GetUserByEmail locates a user by email.
func (store *DatabaseUserStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	record, err := store.findByEmail(store.db.WithContext(ctx), normalizeEmail(email))
	if err != nil {
		return User{}, err
	}
	return record.toUser(), nil
}

// UpsertFederatedUser reuses the user with identity.Email or inserts a new one.
func (store *DatabaseUserStore) UpsertFederatedUser(ctx context.Context, identity ExternalIdentity) (User, error) {
	email := normalizeEmail(identity.Email)
	var result User
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, findErr := store.findByEmail(transaction, email)
		if findErr == nil {
			if record.GoogleID == "" && identity.Subject != "" {
				record.GoogleID = identity.Subject
				if updateErr := transaction.Model(&userRecord{}).Where("user_id = ?", record.UserID).Update("google_id", identity.Subject).Error; updateErr != nil {
					return updateErr
				}
			}
			result = record.toUser()
			return nil
		}
		if !errors.Is(findErr, ErrUserNotFound) {
			return findErr
		}
		created := userRecord{
			UserID:      uuid.NewString(),
			Email:       email,
			GoogleID:    identity.Subject,
			DisplayName: identity.DisplayName,
		}
		if createErr := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; createErr != nil {
			return createErr
		}
		stored, reloadErr := store.findByEmail(transaction, email)
		if reloadErr != nil {
			return reloadErr
		}
		result = stored.toUser()
		return nil
	})
	if err != nil {
		return User{}, fmt.Errorf("user_store.upsert_federated.%s: %w", store.driverLabel, err)
	}
	return result, nil
}

// SavePasswordUser creates a password user or replaces the credentials of an existing one.
func (store *DatabaseUserStore) SavePasswordUser(ctx context.Context, email string, displayName string, passwordHash string, passwordSalt string) (User, error) {
	normalized := normalizeEmail(email)
	record := userRecord{
		UserID:       uuid.NewString(),
		Email:        normalized,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		PasswordSalt: passwordSalt,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "password_hash", "password_salt"}),
	}).Create(&record).Error
	if err != nil {
		return User{}, fmt.Errorf("user_store.save_password_user.%s: %w", store.driverLabel, err)
	}
	return store.GetUserByEmail(ctx, normalized)
}

// SetBanned flips the banned flag and reports whether it changed.
func (store *DatabaseUserStore) SetBanned(ctx context.Context, email string, banned bool) (User, bool, error) {
	normalized := normalizeEmail(email)
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("email = ? AND banned = ?", normalized, !banned).
		Update("banned", banned)
	if result.Error != nil {
		return User{}, false, fmt.Errorf("user_store.set_banned.%s: %w", store.driverLabel, result.Error)
	}
	user, err := store.GetUserByEmail(ctx, normalized)
	if err != nil {
		return User{}, false, err
	}
	return user, result.RowsAffected > 0, nil
}

func (store *DatabaseUserStore) findByEmail(database *gorm.DB, email string) (userRecord, error) {
	var record userRecord
	err := database.Where("email = ?", email).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return userRecord{}, ErrUserNotFound
		}
		return userRecord{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, err)
	}
	return record, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
