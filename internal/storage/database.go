package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/justyntemme/animetrack/internal/models"
)

// Database is a SQLite-backed RecordStore
type Database struct {
	db *sql.DB
}

// NewDatabase creates and initializes the SQLite database
func NewDatabase(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, &StorageError{Op: "create database directory", Path: filepath.Dir(dbPath), Err: err}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer at a time; backfill updates covers concurrently
	db.SetMaxOpenConns(1)

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS anime (
		id INTEGER PRIMARY KEY,
		position INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'Unknown',
		episodes INTEGER NOT NULL DEFAULT 0,
		watched_episodes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'Plan to Watch',
		score INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL DEFAULT '0000-00-00',
		finish_date TEXT NOT NULL DEFAULT '0000-00-00',
		cover_image TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS anime_orders (
		name TEXT PRIMARY KEY,
		ids TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_anime_position ON anime(position);
	`

	_, err := d.db.Exec(schema)
	return err
}

const animeColumns = `id, title, type, episodes, watched_episodes, status, score, start_date, finish_date, cover_image`

type scanner interface {
	Scan(dest ...any) error
}

func scanAnime(row scanner) (models.Anime, error) {
	var a models.Anime
	err := row.Scan(&a.ID, &a.Title, &a.Type, &a.Episodes, &a.WatchedEpisodes, &a.Status,
		&a.Score, &a.StartDate, &a.FinishDate, &a.CoverImage)
	return a, err
}

// List returns every record in list order
func (d *Database) List() ([]models.Anime, error) {
	rows, err := d.db.Query(`SELECT ` + animeColumns + ` FROM anime ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Anime{}
	for rows.Next() {
		a, err := scanAnime(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// Get retrieves a record by ID
func (d *Database) Get(id int) (*models.Anime, error) {
	a, err := scanAnime(d.db.QueryRow(`SELECT `+animeColumns+` FROM anime WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a record ahead of every existing one
func (d *Database) Create(anime *models.Anime) error {
	_, err := d.db.Exec(`
		INSERT INTO anime (id, position, title, type, episodes, watched_episodes, status, score, start_date, finish_date, cover_image)
		VALUES (?, (SELECT COALESCE(MIN(position), 0) - 1 FROM anime), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		anime.ID, anime.Title, anime.Type, anime.Episodes, anime.WatchedEpisodes, anime.Status,
		anime.Score, anime.StartDate, anime.FinishDate, anime.CoverImage,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrDuplicate
	}
	return err
}

// Update replaces every field of an existing record
func (d *Database) Update(anime *models.Anime) error {
	res, err := d.db.Exec(`
		UPDATE anime SET title = ?, type = ?, episodes = ?, watched_episodes = ?, status = ?,
			score = ?, start_date = ?, finish_date = ?, cover_image = ?
		WHERE id = ?`,
		anime.Title, anime.Type, anime.Episodes, anime.WatchedEpisodes, anime.Status,
		anime.Score, anime.StartDate, anime.FinishDate, anime.CoverImage, anime.ID,
	)
	return affectedOne(res, err)
}

// UpdateCover sets the cover image of one record
func (d *Database) UpdateCover(id int, coverImage string) error {
	res, err := d.db.Exec(`UPDATE anime SET cover_image = ? WHERE id = ?`, coverImage, id)
	return affectedOne(res, err)
}

// Delete removes a record and strips its ID from every ordering
func (d *Database) Delete(id int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM anime WHERE id = ?`, id)
	if err := affectedOne(res, err); err != nil {
		return err
	}

	orders, err := readOrders(tx)
	if err != nil {
		return err
	}
	if err := writeOrders(tx, orders.Without(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceAll overwrites the list, keeping the given order
func (d *Database) ReplaceAll(list []models.Anime) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM anime`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO anime (id, position, title, type, episodes, watched_episodes, status, score, start_date, finish_date, cover_image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, a := range list {
		if _, err := stmt.Exec(a.ID, i, a.Title, a.Type, a.Episodes, a.WatchedEpisodes, a.Status,
			a.Score, a.StartDate, a.FinishDate, a.CoverImage); err != nil {
			return fmt.Errorf("insert anime %d: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// Orders returns every named ordering
func (d *Database) Orders() (models.Orders, error) {
	return readOrders(d.db)
}

// ReplaceOrders overwrites every named ordering
func (d *Database) ReplaceOrders(orders models.Orders) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := writeOrders(tx, orders); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func readOrders(q querier) (models.Orders, error) {
	rows, err := q.Query(`SELECT name, ids FROM anime_orders`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := models.Orders{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var ids []int
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode order %q: %w", name, err)
		}
		if ids == nil {
			ids = []int{}
		}
		orders[name] = ids
	}
	return orders, rows.Err()
}

func writeOrders(tx *sql.Tx, orders models.Orders) error {
	if _, err := tx.Exec(`DELETE FROM anime_orders`); err != nil {
		return err
	}
	for name, ids := range orders {
		if ids == nil {
			ids = []int{}
		}
		raw, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO anime_orders (name, ids) VALUES (?, ?)`, name, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
