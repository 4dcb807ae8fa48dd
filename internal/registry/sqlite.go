package registry

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/any-hub/any-repo/internal/model"
)

// Persister 负责仓库定义的持久化，注册表在每次变更时同步写入。
type Persister interface {
	Load(ctx context.Context) ([]*model.ArtifactStore, error)
	Save(ctx context.Context, store *model.ArtifactStore) error
	Remove(ctx context.Context, key model.StoreKey) error
}

// SQLitePersister 将仓库定义以 JSON 形式保存在 sqlite 中。
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库文件并完成建表。
func OpenSQLite(ctx context.Context, path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	p := &SQLitePersister{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS stores (
        store_key TEXT PRIMARY KEY,
        package_type TEXT NOT NULL,
        store_type TEXT NOT NULL,
        definition TEXT NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate registry db: %w", err)
	}
	return nil
}

// Close 关闭数据库。
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) Load(ctx context.Context) ([]*model.ArtifactStore, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT store_key, definition FROM stores ORDER BY store_key`)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	defer rows.Close()

	var stores []*model.ArtifactStore
	for rows.Next() {
		var key, definition string
		if err := rows.Scan(&key, &definition); err != nil {
			return nil, err
		}
		store, err := model.DecodeStore([]byte(definition))
		if err != nil {
			return nil, fmt.Errorf("decode store %s: %w", key, err)
		}
		stores = append(stores, store)
	}
	return stores, rows.Err()
}

func (p *SQLitePersister) Save(ctx context.Context, store *model.ArtifactStore) error {
	data, err := model.EncodeStore(store)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
    INSERT INTO stores (store_key, package_type, store_type, definition, updated_at)
    VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(store_key) DO UPDATE SET definition = excluded.definition, updated_at = CURRENT_TIMESTAMP`,
		store.Key.String(), store.Key.PackageType, string(store.Key.Type), string(data))
	if err != nil {
		return fmt.Errorf("save store %s: %w", store.Key, err)
	}
	return nil
}

func (p *SQLitePersister) Remove(ctx context.Context, key model.StoreKey) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM stores WHERE store_key = ?`, key.String()); err != nil {
		return fmt.Errorf("remove store %s: %w", key, err)
	}
	return nil
}
