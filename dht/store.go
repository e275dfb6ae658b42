package dht

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidRecord   = errors.New("Record is invalid")
	ErrContentTooLarge = errors.New("Content is too large")
)

// Holds the records and provider announcements this node is responsible for.
// Nothing is kept across restarts, the default path is an in-memory database.
type Store struct {
	conn *sql.DB
	now  func() time.Time

	stmtPutRecord      *sql.Stmt
	stmtQueryRecord    *sql.Stmt
	stmtPutProvider    *sql.Stmt
	stmtQueryProviders *sql.Stmt
	stmtExpireRecords  *sql.Stmt
	stmtExpireProvider *sql.Stmt
	stmtRecordCount    *sql.Stmt
	stmtPutContent     *sql.Stmt
	stmtQueryContent   *sql.Stmt
}

func NewStore(path string) (*Store, error) {
	var err error

	if path == "" {
		path = ":memory:"
	}

	ret := &Store{now: time.Now}

	ret.conn, err = sql.Open("sqlite3", path)

	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a fresh database
	ret.conn.SetMaxOpenConns(1)

	// don't bother preparing these, they are only used at startup
	for _, stmt := range []string{sqlCreateRecordsTable, sqlCreateProvidersTable, sqlCreateContentTable, sqlIndexProviders} {
		_, err = ret.conn.Exec(stmt)

		if err != nil {
			ret.conn.Close()
			return nil, err
		}
	}

	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}

		*dst, err = ret.conn.Prepare(query)
	}

	prepare(&ret.stmtPutRecord, sqlPutRecord)
	prepare(&ret.stmtQueryRecord, sqlQueryRecord)
	prepare(&ret.stmtPutProvider, sqlPutProvider)
	prepare(&ret.stmtQueryProviders, sqlQueryProviders)
	prepare(&ret.stmtExpireRecords, sqlExpireRecords)
	prepare(&ret.stmtExpireProvider, sqlExpireProviders)
	prepare(&ret.stmtRecordCount, sqlRecordCount)
	prepare(&ret.stmtPutContent, sqlPutContent)
	prepare(&ret.stmtQueryContent, sqlQueryContent)

	if err != nil {
		ret.conn.Close()
		return nil, err
	}

	return ret, nil
}

func (s *Store) PutRecord(r *Record) error {
	if !r.Valid() {
		return ErrInvalidRecord
	}

	if r.Expired(s.now()) {
		return errors.New("Record has already expired")
	}

	c, err := KeyCid(r.Key)

	if err != nil {
		return err
	}

	publisher := r.Publisher.StringOr("")

	_, err = s.stmtPutRecord.Exec(c.String(), r.Value, publisher, r.Expires)

	return err
}

// Returns nil, nil if the record is missing or has expired.
func (s *Store) GetRecord(key string) (*Record, error) {
	c, err := KeyCid(key)

	if err != nil {
		return nil, err
	}

	ret := &Record{Key: key}
	publisher := ""

	row := s.stmtQueryRecord.QueryRow(c.String(), s.now().Unix())
	err = row.Scan(&ret.Value, &publisher, &ret.Expires)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if publisher != "" {
		ret.Publisher, err = DecodeAddress(publisher)

		if err != nil {
			log.WithField("publisher", publisher).Warn("Stored record has a bad publisher")
		}
	}

	return ret, nil
}

// Registers entry as a provider for key. Announcing twice refreshes the expiry.
func (s *Store) AddProvider(key string, entry *Entry, ttl time.Duration) error {
	c, err := KeyCid(key)

	if err != nil {
		return err
	}

	if err := entry.Verify(); err != nil {
		return err
	}

	address, err := entry.Address.String()

	if err != nil {
		return err
	}

	data, err := entry.Encode()

	if err != nil {
		return err
	}

	_, err = s.stmtPutProvider.Exec(c.String(), address, data, s.now().Add(ttl).Unix())

	return err
}

func (s *Store) GetProviders(key string) (Entries, error) {
	c, err := KeyCid(key)

	if err != nil {
		return nil, err
	}

	rows, err := s.stmtQueryProviders.Query(c.String(), s.now().Unix())

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	ret := make(Entries, 0)

	for rows.Next() {
		var data []byte

		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		entry, err := DecodeEntry(data, false)

		if err != nil {
			log.Error(err.Error())
			continue
		}

		ret = append(ret, entry)
	}

	return ret, rows.Err()
}

// Keeps data to serve under key. Content never expires, it goes when the node
// does.
func (s *Store) PutContent(key string, data []byte) error {
	if len(data) == 0 {
		return errors.New("Content must not be empty")
	}

	if len(data) > MaxContentSize {
		return ErrContentTooLarge
	}

	c, err := KeyCid(key)

	if err != nil {
		return err
	}

	_, err = s.stmtPutContent.Exec(c.String(), data)

	return err
}

// Returns nil, nil if there is nothing served under key.
func (s *Store) GetContent(key string) ([]byte, error) {
	c, err := KeyCid(key)

	if err != nil {
		return nil, err
	}

	var data []byte

	err = s.stmtQueryContent.QueryRow(c.String()).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	return data, err
}

// Drops everything that has expired, returning how many rows went.
func (s *Store) Expire() (int64, error) {
	now := s.now().Unix()

	res, err := s.stmtExpireRecords.Exec(now)

	if err != nil {
		return 0, err
	}

	records, _ := res.RowsAffected()

	res, err = s.stmtExpireProvider.Exec(now)

	if err != nil {
		return records, err
	}

	providers, _ := res.RowsAffected()

	return records + providers, nil
}

// Number of stored records, including any that have expired but not yet been
// dropped.
func (s *Store) Len() (int, error) {
	var length int

	err := s.stmtRecordCount.QueryRow().Scan(&length)

	if err != nil {
		return -1, err
	}

	return length, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}
