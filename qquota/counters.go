package qquota

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qtel/qdef"
	"go.etcd.io/bbolt"
)

var (
	bucketUsage = []byte("usage")
	keyCounters = []byte("counters")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("qquota: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("qquota: CBOR decoder initialization failed: " + err.Error())
	}
}

// counterDB persists the usage counters in a single bbolt record.
type counterDB struct {
	db   *bbolt.DB
	path string
}

func openCounterDB(path string) (*counterDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsage)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &counterDB{db: db, path: path}, nil
}

// load returns zero counters when nothing has been saved yet.
func (c *counterDB) load() (qdef.Usage, error) {
	var u qdef.Usage
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsage).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := decMode.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("%w: %v", qdef.ErrCorrupt, err)
		}
		return nil
	})
	return u, err
}

func (c *counterDB) save(u qdef.Usage) error {
	data, err := encMode.Marshal(u)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsage).Put(keyCounters, data)
	})
}

func (c *counterDB) close() error {
	return c.db.Close()
}
