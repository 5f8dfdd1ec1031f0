package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

var (
	metaBucket    = []byte("meta")
	headersBucket = []byte("headers")
	txsBucket     = []byte("txs") // one nested bucket per CoValue

	versionKey = []byte("version")
)

const boltVersion = 1

// Bolt is a Backend on a single bolt file.
type Bolt struct {
	b *bolt.DB
}

var _ Backend = (*Bolt)(nil)

// NewBolt opens an existing bolt file or creates a new one.
func NewBolt(fileName string) (*Bolt, error) {
	b, err := bolt.Open(fileName, 0644, &bolt.Options{
		Timeout: time.Millisecond * 500,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(versionKey); v != nil {
			if got := binary.BigEndian.Uint32(v); got != boltVersion {
				return fmt.Errorf("unsupported db version %d", got)
			}
		} else {
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], boltVersion)
			if err := meta.Put(versionKey, v[:]); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucketIfNotExists(headersBucket); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(txsBucket)
		return err
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("init bolt: %w", err)
	}
	return &Bolt{b}, nil
}

func (d *Bolt) Close() error { return d.b.Close() }

func rowKey(s cojson.SessionID, idx int) []byte {
	k := make([]byte, 0, len(s)+5)
	k = append(k, s...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint32(k, uint32(idx))
}

func splitRowKey(k []byte) (cojson.SessionID, int, bool) {
	i := bytes.IndexByte(k, 0)
	if i < 0 || len(k)-i-1 != 4 {
		return "", 0, false
	}
	return cojson.SessionID(k[:i]), int(binary.BigEndian.Uint32(k[i+1:])), true
}

func (d *Bolt) PutHeader(id cojson.CoID, header []byte, cid string) error {
	val, err := json.Marshal(headerRecord{Header: header, CID: cid})
	if err != nil {
		return fmt.Errorf("put header: %w", err)
	}
	return d.b.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(headersBucket)
		if bk.Get([]byte(id)) != nil {
			return nil
		}
		return bk.Put([]byte(id), val)
	})
}

func (d *Bolt) Header(id cojson.CoID) (header []byte, cid string, err error) {
	err = d.b.View(func(tx *bolt.Tx) error {
		got := tx.Bucket(headersBucket).Get([]byte(id))
		if got == nil {
			return ErrNotFound
		}
		var h headerRecord
		if err := json.Unmarshal(got, &h); err != nil {
			return fmt.Errorf("%w: header of %s: %v", ErrCorrupt, id, err)
		}
		header, cid = append([]byte(nil), h.Header...), h.CID
		return nil
	})
	return
}

func (d *Bolt) IDs() (ids []cojson.CoID, err error) {
	err = d.b.View(func(tx *bolt.Tx) error {
		return tx.Bucket(headersBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, cojson.CoID(k))
			return nil
		})
	})
	return
}

func (d *Bolt) PutRows(id cojson.CoID, rows []Row) error {
	return d.b.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(headersBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("put rows: %w", ErrNotFound)
		}
		bk, err := tx.Bucket(txsBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		for _, r := range rows {
			k := rowKey(r.Session, r.TxIndex)
			if bk.Get(k) != nil {
				continue
			}
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := bk.Put(k, val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Bolt) Rows(id cojson.CoID, session cojson.SessionID, from int) (rows []Row, err error) {
	err = d.b.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(txsBucket).Bucket([]byte(id))
		if bk == nil {
			return nil
		}
		prefix := append([]byte(session), 0)
		c := bk.Cursor()
		for k, v := c.Seek(rowKey(session, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r Row
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: row %q: %v", ErrCorrupt, k, err)
			}
			rows = append(rows, r)
		}
		return nil
	})
	return
}

func (d *Bolt) Sessions(id cojson.CoID) (map[cojson.SessionID]int, error) {
	out := map[cojson.SessionID]int{}
	err := d.b.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(txsBucket).Bucket([]byte(id))
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, _ []byte) error {
			s, _, ok := splitRowKey(k)
			if !ok {
				return fmt.Errorf("%w: row key %q", ErrCorrupt, k)
			}
			out[s]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return out, nil
}
