package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kline-hub/internal/metrics"
	"kline-hub/internal/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrStorage      = errors.New("storage failure")
	ErrInvalidKLine = errors.New("invalid kline")
)

// StorageError wraps a failure of the underlying database. It matches
// ErrStorage with errors.Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Query selects klines of one series. Zero Start or End leaves that side
// unbounded; both bounds are inclusive. Limit <= 0 returns everything.
type Query struct {
	Exchange string
	Symbol   string
	Interval models.Interval
	Start    int64
	End      int64
	Limit    int
}

// KLineStore persists klines ordered by open time within each series.
type KLineStore interface {
	Save(ctx context.Context, k *models.KLine) error
	SaveBatch(ctx context.Context, ks []models.KLine) error
	Query(ctx context.Context, q Query) ([]models.KLine, error)
	GetLatest(ctx context.Context, exchange, symbol string, interval models.Interval) (*models.KLine, error)
	Close() error
}

var bucketKLines = []byte("klines")

// BoltStore is a KLineStore on a single bbolt bucket.
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// Open opens (or creates) the database file kline.db inside dir.
func Open(dir string, timeout time.Duration, logger *logrus.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	path := filepath.Join(dir, "kline.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKLines)
		return err
	}); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	logger.WithField("path", path).Info("KLine store opened")
	return &BoltStore{db: db, logger: logger}, nil
}

func validate(k *models.KLine) error {
	if k == nil {
		return fmt.Errorf("%w: nil kline", ErrInvalidKLine)
	}
	if k.Exchange == "" || k.Symbol == "" || k.Interval.IsZero() {
		return fmt.Errorf("%w: exchange, symbol and interval are required", ErrInvalidKLine)
	}
	return nil
}

func encode(k *models.KLine) ([]byte, []byte, error) {
	if err := validate(k); err != nil {
		return nil, nil, err
	}
	key, err := EncodeKey(k.Exchange, k.Symbol, k.Interval.Code(), k.OpenTime)
	if err != nil {
		return nil, nil, err
	}
	val, err := json.Marshal(k)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKLine, err)
	}
	return key, val, nil
}

// Save writes k, replacing any kline with the same series and open time.
func (s *BoltStore) Save(ctx context.Context, k *models.KLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, val, err := encode(k)
	if err != nil {
		return err
	}

	start := time.Now()
	defer metrics.ObserveSince(start, metrics.StoreLatency.WithLabelValues("save"))
	metrics.StoreOperations.WithLabelValues("save").Inc()

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKLines).Put(key, val)
	}); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// SaveBatch writes all klines in one transaction. Either all are stored or
// none are.
func (s *BoltStore) SaveBatch(ctx context.Context, ks []models.KLine) error {
	if len(ks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := make([][]byte, len(ks))
	vals := make([][]byte, len(ks))
	for i := range ks {
		key, val, err := encode(&ks[i])
		if err != nil {
			return err
		}
		keys[i], vals[i] = key, val
	}

	start := time.Now()
	defer metrics.ObserveSince(start, metrics.StoreLatency.WithLabelValues("save_batch"))
	metrics.StoreOperations.WithLabelValues("save_batch").Inc()

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKLines)
		for i := range keys {
			if err := b.Put(keys[i], vals[i]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		metrics.StoreErrors.WithLabelValues("save_batch").Inc()
		return &StorageError{Op: "save_batch", Err: err}
	}
	return nil
}

// Query returns klines of one series in ascending open time.
func (s *BoltStore) Query(ctx context.Context, q Query) ([]models.KLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix, err := SeriesPrefix(q.Exchange, q.Symbol, q.Interval.Code())
	if err != nil {
		return nil, err
	}

	seek := prefix
	if q.Start > 0 {
		seek = appendOpenTime(prefix, q.Start)
	}
	var upper []byte
	if q.End > 0 {
		upper = appendOpenTime(prefix, q.End)
	}

	start := time.Now()
	defer metrics.ObserveSince(start, metrics.StoreLatency.WithLabelValues("query"))
	metrics.StoreOperations.WithLabelValues("query").Inc()

	var out []models.KLine
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKLines).Cursor()
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if upper != nil && bytes.Compare(k, upper) > 0 {
				break
			}
			var kl models.KLine
			if err := json.Unmarshal(v, &kl); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, kl)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		return nil, &StorageError{Op: "query", Err: err}
	}
	return out, nil
}

// GetLatest returns the kline with the greatest open time in a series, or nil
// when the series is empty.
func (s *BoltStore) GetLatest(ctx context.Context, exchange, symbol string, interval models.Interval) (*models.KLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix, err := SeriesPrefix(exchange, symbol, interval.Code())
	if err != nil {
		return nil, err
	}
	succ := prefixSuccessor(prefix)

	start := time.Now()
	defer metrics.ObserveSince(start, metrics.StoreLatency.WithLabelValues("latest"))
	metrics.StoreOperations.WithLabelValues("latest").Inc()

	var latest *models.KLine
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKLines).Cursor()

		var k, v []byte
		if succ == nil {
			k, v = c.Last()
		} else if k, v = c.Seek(succ); k == nil {
			// Ran off the end: the series, if present, ends the bucket.
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		latest = &models.KLine{}
		if err := json.Unmarshal(v, latest); err != nil {
			return fmt.Errorf("decode %q: %w", k, err)
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("latest").Inc()
		return nil, &StorageError{Op: "latest", Err: err}
	}
	return latest, nil
}

// Count returns the number of stored klines.
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKLines).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}
