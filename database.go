package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/exp/slog"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound      = errors.New("database: record not found")
	ErrUsernameTaken = errors.New("database: username already taken")
)

const pqUniqueViolation = "23505"

// Store is the persistence surface the API depends on. Image map lookups are
// always scoped to the owning user.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)

	CreateImageMap(ctx context.Context, m ImageMap) (ImageMap, error)
	ListImageMaps(ctx context.Context, userID int64) ([]ImageMap, error)
	GetImageMap(ctx context.Context, userID int64, id string) (ImageMap, error)
	// UpdateImageMapImage also returns the image key it replaced.
	UpdateImageMapImage(ctx context.Context, userID int64, id, imageName, imageKey, contentType string) (ImageMap, string, error)
	UpdateImageMapAttributes(ctx context.Context, userID int64, id string, patch ImageMapPatch) (ImageMap, error)
	DeleteImageMap(ctx context.Context, userID int64, id string) (ImageMap, error)

	Ping(ctx context.Context) error
}

type PostgreSQLDatabase struct {
	db *sql.DB
}

func NewPostgreSQLDatabase(ctx context.Context, cfg *Config) (*PostgreSQLDatabase, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	pg := &PostgreSQLDatabase{db: db}
	if err := pg.db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Debug("Database pinged")

	if cfg.Migrate {
		if err := pg.migrateUp(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return pg, nil
}

func (pg *PostgreSQLDatabase) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(pg.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("Database schema is up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	slog.Info("Successfully migrated the database schema")

	return nil
}

func (pg *PostgreSQLDatabase) Ping(ctx context.Context) error {
	return pg.db.PingContext(ctx)
}

func (pg *PostgreSQLDatabase) Close() error {
	return pg.db.Close()
}

func (pg *PostgreSQLDatabase) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	const createUser = `
	INSERT INTO users (username, password_hash)
	VALUES($1, $2)
	RETURNING id, username, password_hash, created_at
	`

	row := pg.db.QueryRowContext(ctx, createUser, username, passwordHash)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return User{}, ErrUsernameTaken
	}

	return u, err
}

func (pg *PostgreSQLDatabase) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const getUserByUsername = `
	SELECT
		id,
		username,
		password_hash,
		created_at
	FROM users
	WHERE username = $1
	`

	row := pg.db.QueryRowContext(ctx, getUserByUsername, username)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)

	return u, notFound(err)
}

const imageMapColumns = `
	id,
	user_id,
	name,
	image_name,
	image_key,
	content_type,
	areas,
	created_at,
	updated_at
`

func (pg *PostgreSQLDatabase) CreateImageMap(ctx context.Context, m ImageMap) (ImageMap, error) {
	createImageMap := `
	INSERT INTO image_maps(id, user_id, name, image_name, image_key, content_type, areas)
	VALUES($1, $2, $3, $4, $5, $6, $7::jsonb)
	RETURNING` + imageMapColumns

	areas, err := encodeAreas(m.Areas)
	if err != nil {
		return ImageMap{}, err
	}

	row := pg.db.QueryRowContext(ctx, createImageMap,
		m.ID,
		m.UserID,
		m.Name,
		m.ImageName,
		m.ImageKey,
		m.ContentType,
		areas,
	)

	return scanImageMap(row)
}

func (pg *PostgreSQLDatabase) ListImageMaps(ctx context.Context, userID int64) ([]ImageMap, error) {
	listImageMaps := `
	SELECT` + imageMapColumns + `
	FROM image_maps
	WHERE user_id = $1
	ORDER BY created_at DESC, id
	`

	rows, err := pg.db.QueryContext(ctx, listImageMaps, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []ImageMap{}
	for rows.Next() {
		m, err := scanImageMap(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (pg *PostgreSQLDatabase) GetImageMap(ctx context.Context, userID int64, id string) (ImageMap, error) {
	if !isUUID(id) {
		return ImageMap{}, ErrNotFound
	}

	getImageMap := `
	SELECT` + imageMapColumns + `
	FROM image_maps
	WHERE id = $1 AND user_id = $2
	`

	return scanImageMap(pg.db.QueryRowContext(ctx, getImageMap, id, userID))
}

func (pg *PostgreSQLDatabase) UpdateImageMapImage(ctx context.Context, userID int64, id, imageName, imageKey, contentType string) (ImageMap, string, error) {
	if !isUUID(id) {
		return ImageMap{}, "", ErrNotFound
	}

	// The row lock makes a concurrent update see the key written by the
	// winner, so every replaced blob is reported exactly once.
	const updateImage = `
	WITH old AS (
		SELECT id, image_key
		FROM image_maps
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	)
	UPDATE image_maps m
	SET image_name = $3, image_key = $4, content_type = $5, updated_at = now()
	FROM old
	WHERE m.id = old.id
	RETURNING
		m.id,
		m.user_id,
		m.name,
		m.image_name,
		m.image_key,
		m.content_type,
		m.areas,
		m.created_at,
		m.updated_at,
		old.image_key
	`

	var prevKey string
	row := trailingScanner{
		rowScanner: pg.db.QueryRowContext(ctx, updateImage, id, userID, imageName, imageKey, contentType),
		extra:      []any{&prevKey},
	}

	m, err := scanImageMap(row)
	if err != nil {
		return ImageMap{}, "", err
	}

	return m, prevKey, nil
}

func (pg *PostgreSQLDatabase) UpdateImageMapAttributes(ctx context.Context, userID int64, id string, patch ImageMapPatch) (ImageMap, error) {
	if !isUUID(id) {
		return ImageMap{}, ErrNotFound
	}

	updateAttributes := `
	UPDATE image_maps
	SET name = COALESCE($3, name), areas = COALESCE($4::jsonb, areas), updated_at = now()
	WHERE id = $1 AND user_id = $2
	RETURNING` + imageMapColumns

	var name, areas any
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.Areas != nil {
		encoded, err := encodeAreas(*patch.Areas)
		if err != nil {
			return ImageMap{}, err
		}
		areas = encoded
	}

	return scanImageMap(pg.db.QueryRowContext(ctx, updateAttributes, id, userID, name, areas))
}

func (pg *PostgreSQLDatabase) DeleteImageMap(ctx context.Context, userID int64, id string) (ImageMap, error) {
	if !isUUID(id) {
		return ImageMap{}, ErrNotFound
	}

	deleteImageMap := `
	DELETE FROM image_maps
	WHERE id = $1 AND user_id = $2
	RETURNING` + imageMapColumns

	return scanImageMap(pg.db.QueryRowContext(ctx, deleteImageMap, id, userID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

// trailingScanner scans columns that follow the image map columns.
type trailingScanner struct {
	rowScanner
	extra []any
}

func (t trailingScanner) Scan(dest ...any) error {
	return t.rowScanner.Scan(append(dest, t.extra...)...)
}

func scanImageMap(row rowScanner) (ImageMap, error) {
	var (
		m     ImageMap
		areas []byte
	)

	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Name,
		&m.ImageName,
		&m.ImageKey,
		&m.ContentType,
		&areas,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return ImageMap{}, notFound(err)
	}

	if err := json.Unmarshal(areas, &m.Areas); err != nil {
		return ImageMap{}, fmt.Errorf("decode areas of image map %s: %w", m.ID, err)
	}
	if m.Areas == nil {
		m.Areas = []Area{}
	}

	return m, nil
}

// encodeAreas returns a string so lib/pq sends it as text rather than bytea.
func encodeAreas(areas []Area) (string, error) {
	if areas == nil {
		areas = []Area{}
	}

	b, err := json.Marshal(areas)
	if err != nil {
		return "", fmt.Errorf("encode areas: %w", err)
	}

	return string(b), nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUUID accepts only the 36 character hyphenated form. uuid.Parse also takes
// urn and braced forms, which Postgres rejects as uuid input.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
