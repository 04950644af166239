package topics

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/device"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
  id  TEXT PRIMARY KEY,
  mac TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_mac ON devices(mac);

CREATE TABLE IF NOT EXISTS gatt_topics (
  topic          TEXT PRIMARY KEY,
  service        TEXT NOT NULL,
  characteristic TEXT NOT NULL,
  data_format    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS gatt_topic_devices (
  topic     TEXT NOT NULL REFERENCES gatt_topics(topic) ON DELETE CASCADE,
  device_id TEXT NOT NULL,
  PRIMARY KEY (topic, device_id)
);

CREATE TABLE IF NOT EXISTS adv_topics (
  topic       TEXT PRIMARY KEY,
  data_format TEXT NOT NULL,
  onboarded   INTEGER NOT NULL DEFAULT 0,
  filter_type TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS adv_filters (
  topic    TEXT NOT NULL REFERENCES adv_topics(topic) ON DELETE CASCADE,
  position INTEGER NOT NULL,
  mac      TEXT NOT NULL,
  ad_type  TEXT NOT NULL,
  ad_data  TEXT NOT NULL,
  PRIMARY KEY (topic, position)
);
CREATE TABLE IF NOT EXISTS adv_topic_devices (
  topic     TEXT NOT NULL REFERENCES adv_topics(topic) ON DELETE CASCADE,
  device_id TEXT NOT NULL,
  PRIMARY KEY (topic, device_id)
);

CREATE TABLE IF NOT EXISTS connection_topics (
  topic       TEXT PRIMARY KEY,
  data_format TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS connection_topic_devices (
  topic     TEXT NOT NULL REFERENCES connection_topics(topic) ON DELETE CASCADE,
  device_id TEXT NOT NULL,
  PRIMARY KEY (topic, device_id)
);
`

// SQLiteStore persists topics in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// one writer keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func buildDSN(path string) (string, error) {
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if path == ":memory:" {
		return "file::memory:?" + strings.Join(params[:2], "&"), nil
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) PutDevice(d Device) error {
	_, err := s.db.Exec(`INSERT INTO devices(id, mac) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET mac = excluded.mac`, d.ID, NormalizeAddress(d.MAC))
	return err
}

func (s *SQLiteStore) device(query string, arg any) (Device, bool, error) {
	var d Device
	err := s.db.QueryRow(query, arg).Scan(&d.ID, &d.MAC)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, err
	}
	return d, true, nil
}

func (s *SQLiteStore) DeviceByID(id string) (Device, bool, error) {
	return s.device(`SELECT id, mac FROM devices WHERE id = ?`, id)
}

func (s *SQLiteStore) DeviceByAddress(address string) (Device, bool, error) {
	return s.device(`SELECT id, mac FROM devices WHERE mac = ? ORDER BY id LIMIT 1`, NormalizeAddress(address))
}

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bindDevices(tx *sql.Tx, table, topic string, ids []string) error {
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO `+table+`(topic, device_id) VALUES(?, ?)`, topic, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) RegisterGatt(t GattTopic) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO gatt_topics(topic, service, characteristic, data_format) VALUES(?, ?, ?, ?)
			ON CONFLICT(topic) DO UPDATE SET service = excluded.service,
				characteristic = excluded.characteristic, data_format = excluded.data_format`,
			t.Topic, t.Service, t.Characteristic, string(t.DataFormat)); err != nil {
			return err
		}
		return bindDevices(tx, "gatt_topic_devices", t.Topic, t.DeviceIDs)
	})
}

func (s *SQLiteStore) RegisterConnection(t ConnectionTopic) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO connection_topics(topic, data_format) VALUES(?, ?)
			ON CONFLICT(topic) DO UPDATE SET data_format = excluded.data_format`,
			t.Topic, string(t.DataFormat)); err != nil {
			return err
		}
		return bindDevices(tx, "connection_topic_devices", t.Topic, t.DeviceIDs)
	})
}

func (s *SQLiteStore) RegisterAdvertisement(t AdvTopic) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO adv_topics(topic, data_format, onboarded, filter_type) VALUES(?, ?, ?, ?)
			ON CONFLICT(topic) DO UPDATE SET data_format = excluded.data_format,
				onboarded = MAX(onboarded, excluded.onboarded), filter_type = excluded.filter_type`,
			t.Topic, string(t.DataFormat), t.Onboarded, string(t.FilterType)); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM adv_filters WHERE topic = ?`, t.Topic); err != nil {
			return err
		}
		for i, f := range t.Filters {
			if _, err := tx.Exec(`INSERT INTO adv_filters(topic, position, mac, ad_type, ad_data) VALUES(?, ?, ?, ?, ?)`,
				t.Topic, i, f.MAC, f.ADType, f.ADData); err != nil {
				return err
			}
		}
		return bindDevices(tx, "adv_topic_devices", t.Topic, t.DeviceIDs)
	})
}

func (s *SQLiteStore) Unregister(topic string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var removed int64
		for _, table := range []string{"gatt_topics", "adv_topics", "connection_topics"} {
			res, err := tx.Exec(`DELETE FROM `+table+` WHERE topic = ?`, topic)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		if removed == 0 {
			return ErrTopicNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) Kinds(topic string) ([]Kind, error) {
	var kinds []Kind
	for _, k := range []struct {
		table string
		kind  Kind
	}{
		{"gatt_topics", KindGatt},
		{"connection_topics", KindConnection},
		{"adv_topics", KindAdvertisements},
	} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM `+k.table+` WHERE topic = ?`, topic).Scan(&n); err != nil {
			return nil, err
		}
		if n > 0 {
			kinds = append(kinds, k.kind)
		}
	}
	return kinds, nil
}

func (s *SQLiteStore) deviceIDs(table, topic string) ([]string, error) {
	rows, err := s.db.Query(`SELECT device_id FROM `+table+` WHERE topic = ? ORDER BY rowid`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) GattTopics(address, service, characteristic string) ([]GattTopic, error) {
	rows, err := s.db.Query(`SELECT t.topic, t.service, t.characteristic, t.data_format
		FROM gatt_topics t
		JOIN gatt_topic_devices td ON td.topic = t.topic
		JOIN devices d ON d.id = td.device_id
		WHERE d.mac = ? AND t.service = ? AND t.characteristic = ?
		ORDER BY t.topic`,
		NormalizeAddress(address), device.NormalizeUUID(service), device.NormalizeUUID(characteristic))
	if err != nil {
		return nil, err
	}

	var out []GattTopic
	for rows.Next() {
		var t GattTopic
		var format string
		if err := rows.Scan(&t.Topic, &t.Service, &t.Characteristic, &format); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t.DataFormat = DataFormat(format)
		out = append(out, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].DeviceIDs, err = s.deviceIDs("gatt_topic_devices", out[i].Topic); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) advTopics(where string, arg ...any) ([]AdvTopic, error) {
	rows, err := s.db.Query(`SELECT topic, data_format, onboarded, filter_type FROM adv_topics `+where+` ORDER BY topic`, arg...)
	if err != nil {
		return nil, err
	}

	var out []AdvTopic
	for rows.Next() {
		var t AdvTopic
		var format, filterType string
		if err := rows.Scan(&t.Topic, &format, &t.Onboarded, &filterType); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t.DataFormat, t.FilterType = DataFormat(format), adv.FilterType(filterType)
		out = append(out, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Filters, err = s.filters(out[i].Topic); err != nil {
			return nil, err
		}
		if out[i].DeviceIDs, err = s.deviceIDs("adv_topic_devices", out[i].Topic); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) filters(topic string) ([]adv.Filter, error) {
	rows, err := s.db.Query(`SELECT mac, ad_type, ad_data FROM adv_filters WHERE topic = ? ORDER BY position`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []adv.Filter
	for rows.Next() {
		var f adv.Filter
		if err := rows.Scan(&f.MAC, &f.ADType, &f.ADData); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnboundAdvTopics() ([]AdvTopic, error) {
	return s.advTopics(`WHERE onboarded = 0`)
}

func (s *SQLiteStore) DeviceAdvTopics(deviceID string) ([]AdvTopic, error) {
	return s.advTopics(`WHERE topic IN (SELECT topic FROM adv_topic_devices WHERE device_id = ?)`, deviceID)
}

func (s *SQLiteStore) ConnectionTopics(deviceID string) ([]ConnectionTopic, error) {
	rows, err := s.db.Query(`SELECT t.topic, t.data_format FROM connection_topics t
		JOIN connection_topic_devices td ON td.topic = t.topic
		WHERE td.device_id = ? ORDER BY t.topic`, deviceID)
	if err != nil {
		return nil, err
	}

	var out []ConnectionTopic
	for rows.Next() {
		var t ConnectionTopic
		var format string
		if err := rows.Scan(&t.Topic, &format); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t.DataFormat = DataFormat(format)
		out = append(out, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].DeviceIDs, err = s.deviceIDs("connection_topic_devices", out[i].Topic); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
