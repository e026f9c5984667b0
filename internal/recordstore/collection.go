package recordstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/golang/snappy"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// Record is a stored document.
type Record map[string]any

// KeyExistsError is returned when adding a record under a taken key.
type KeyExistsError struct {
	Collection string
	Key        int64
}

func (e *KeyExistsError) Error() string {
	return fmt.Sprintf("key %d already exists in %s", e.Key, e.Collection)
}

// Collection is a named set of records.
type Collection struct {
	store *Store
	name  string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Get returns the record stored under key, or a *core.NotFoundError.
func (c *Collection) Get(ctx context.Context, key int64) (Record, error) {
	db := c.store.db
	if db == nil {
		return nil, errNotOpened
	}

	var blob []byte
	err := db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?`,
		c.name, key,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{Kind: c.name + " record", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", c.name, err)
	}
	return decode(blob)
}

// Add stores value under the next free key and returns it.
func (c *Collection) Add(ctx context.Context, value Record) (int64, error) {
	var key int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.ensure(ctx, tx); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT next_key FROM collections WHERE name = ?`, c.name,
		).Scan(&key); err != nil {
			return fmt.Errorf("failed to allocate key: %w", err)
		}
		return c.insert(ctx, tx, key, value)
	})
	if err != nil {
		return 0, err
	}
	return key, nil
}

// AddWithKey stores value under key. It fails with *KeyExistsError when
// the key is taken.
func (c *Collection) AddWithKey(ctx context.Context, key int64, value Record) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.ensure(ctx, tx); err != nil {
			return err
		}
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE collection = ? AND key = ?`, c.name, key,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check key: %w", err)
		}
		if exists > 0 {
			return &KeyExistsError{Collection: c.name, Key: key}
		}
		return c.insert(ctx, tx, key, value)
	})
}

// Update merges partial into the record under key and returns the number
// of records changed: 1, or 0 when the key is absent.
func (c *Collection) Update(ctx context.Context, key int64, partial Record) (int64, error) {
	var affected int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var blob []byte
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM records WHERE collection = ? AND key = ?`, c.name, key,
		).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s record: %w", c.name, err)
		}

		current, err := decode(blob)
		if err != nil {
			return err
		}
		maps.Copy(current, partial)

		encoded, err := encode(current)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND key = ?`,
			encoded, c.name, key,
		)
		if err != nil {
			return fmt.Errorf("failed to update %s record: %w", c.name, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Delete removes the record under key. Deleting a missing key is a no-op.
func (c *Collection) Delete(ctx context.Context, key int64) error {
	db := c.store.db
	if db == nil {
		return errNotOpened
	}
	if _, err := db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, c.name, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", c.name, err)
	}
	return nil
}

// GetAllWithGeneratedKey returns every record in key order, each with its
// key stored under keyField.
func (c *Collection) GetAllWithGeneratedKey(ctx context.Context, keyField string) ([]Record, error) {
	db := c.store.db
	if db == nil {
		return nil, errNotOpened
	}

	rows, err := db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE collection = ? ORDER BY key`, c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", c.name, err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		var (
			key  int64
			blob []byte
		)
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", c.name, err)
		}
		rec, err := decode(blob)
		if err != nil {
			return nil, err
		}
		rec[keyField] = key
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", c.name, err)
	}
	return records, nil
}

// Drop removes every record and resets the key sequence.
func (c *Collection) Drop(ctx context.Context) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, c.name); err != nil {
			return fmt.Errorf("failed to drop %s records: %w", c.name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, c.name); err != nil {
			return fmt.Errorf("failed to drop %s: %w", c.name, err)
		}
		return nil
	})
	if err == nil {
		c.store.logger.Debug("collection dropped", slog.String("collection", c.name))
	}
	return err
}

func (c *Collection) ensure(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, c.name,
	); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) insert(ctx context.Context, tx *sql.Tx, key int64, value Record) error {
	encoded, err := encode(value)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (collection, key, value) VALUES (?, ?, ?)`, c.name, key, encoded,
	); err != nil {
		return fmt.Errorf("failed to insert %s record: %w", c.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET next_key = MAX(next_key, ?) WHERE name = ?`, key+1, c.name,
	); err != nil {
		return fmt.Errorf("failed to advance key sequence: %w", err)
	}
	return nil
}

func (c *Collection) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db := c.store.db
	if db == nil {
		return errNotOpened
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func encode(value Record) ([]byte, error) {
	if value == nil {
		value = Record{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decode(blob []byte) (Record, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	rec := Record{}
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
