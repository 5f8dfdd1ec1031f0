package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

// Bunt is a Backend on buntdb. Open it with ":memory:" for a store that
// lives as long as the process.
//
// Keys:
//
//	header:<coID>                     headerRecord JSON
//	tx:<coID>:<sessionID>:<%010d>     Row JSON
type Bunt struct {
	bunt *buntdb.DB
}

var _ Backend = (*Bunt)(nil)

// NewBunt opens path, which may be ":memory:".
func NewBunt(path string) (*Bunt, error) {
	bunt, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}
	return &Bunt{bunt}, nil
}

func (m *Bunt) Close() error { return m.bunt.Close() }

func headerKey(id cojson.CoID) string { return "header:" + string(id) }

func txKey(id cojson.CoID, s cojson.SessionID, idx int) string {
	return fmt.Sprintf("tx:%s:%s:%010d", id, s, idx)
}

func (m *Bunt) PutHeader(id cojson.CoID, header []byte, cid string) error {
	val, err := json.Marshal(headerRecord{Header: header, CID: cid})
	if err != nil {
		return fmt.Errorf("put header: %w", err)
	}
	return m.bunt.Update(func(t *buntdb.Tx) error {
		if _, err := t.Get(headerKey(id)); err == nil {
			return nil
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err := t.Set(headerKey(id), string(val), nil)
		return err
	})
}

func (m *Bunt) Header(id cojson.CoID) (header []byte, cid string, err error) {
	err = m.bunt.View(func(t *buntdb.Tx) error {
		val, err := t.Get(headerKey(id))
		if errors.Is(err, buntdb.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var h headerRecord
		if err := json.Unmarshal([]byte(val), &h); err != nil {
			return fmt.Errorf("%w: header of %s: %v", ErrCorrupt, id, err)
		}
		header, cid = h.Header, h.CID
		return nil
	})
	return
}

func (m *Bunt) IDs() (ids []cojson.CoID, err error) {
	err = m.bunt.View(func(t *buntdb.Tx) error {
		return t.AscendKeys("header:*", func(k, _ string) bool {
			ids = append(ids, cojson.CoID(strings.TrimPrefix(k, "header:")))
			return true
		})
	})
	return
}

func (m *Bunt) PutRows(id cojson.CoID, rows []Row) error {
	return m.bunt.Update(func(t *buntdb.Tx) error {
		if _, err := t.Get(headerKey(id)); err != nil {
			if errors.Is(err, buntdb.ErrNotFound) {
				return fmt.Errorf("put rows: %w", ErrNotFound)
			}
			return err
		}
		for _, r := range rows {
			k := txKey(id, r.Session, r.TxIndex)
			if _, err := t.Get(k); err == nil {
				continue
			}
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, _, err := t.Set(k, string(val), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Bunt) Rows(id cojson.CoID, session cojson.SessionID, from int) (rows []Row, err error) {
	err = m.bunt.View(func(t *buntdb.Tx) error {
		var bad error
		t.AscendKeys(fmt.Sprintf("tx:%s:%s:*", id, session), func(k, v string) bool {
			var r Row
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				bad = fmt.Errorf("%w: row %s: %v", ErrCorrupt, k, err)
				return false
			}
			if r.TxIndex >= from {
				rows = append(rows, r)
			}
			return true
		})
		return bad
	})
	return
}

func (m *Bunt) Sessions(id cojson.CoID) (map[cojson.SessionID]int, error) {
	out := map[cojson.SessionID]int{}
	prefix := "tx:" + string(id) + ":"
	err := m.bunt.View(func(t *buntdb.Tx) error {
		var bad error
		t.AscendKeys(prefix+"*", func(k, _ string) bool {
			rest := strings.TrimPrefix(k, prefix)
			i := strings.LastIndexByte(rest, ':')
			if i < 0 {
				bad = fmt.Errorf("%w: row key %s", ErrCorrupt, k)
				return false
			}
			if _, err := strconv.Atoi(rest[i+1:]); err != nil {
				bad = fmt.Errorf("%w: row key %s", ErrCorrupt, k)
				return false
			}
			out[cojson.SessionID(rest[:i])]++
			return true
		})
		return bad
	})
	return out, err
}
