package memory

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/encoding"
)

var (
	objectsBucket = []byte("objects")
	blobsBucket   = []byte("blobs")
	metaBucket    = []byte("meta")
	lastTIDKey    = []byte("last_tid")
)

// snapshot mirrors committed state into a bbolt file. Records are msgpack encoded.
type snapshot struct {
	db    *bbolt.DB
	codec encoding.Marshaler
}

func openSnapshot(path string) (*snapshot, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{objectsBucket, blobsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &snapshot{db: db, codec: encoding.NewMsgPackMarshaler()}, nil
}

func (sn *snapshot) close() error {
	return sn.db.Close()
}

// chunkKey orders chunks of one blob by index under a bytewise cursor.
func chunkKey(bid string, index int) []byte {
	return fmt.Appendf(nil, "%s|%010d", bid, index)
}

func parseChunkKey(k []byte) (string, int, error) {
	bid, idx, ok := strings.Cut(string(k), "|")
	if !ok {
		return "", 0, fmt.Errorf("malformed chunk key %q", k)
	}
	index, err := strconv.Atoi(idx)
	return bid, index, err
}

// load fills s from the file. Callers hold s.mu.
func (sn *snapshot) load(s *Storage) error {
	return sn.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(lastTIDKey); len(v) == 8 {
			s.lastTID = binary.BigEndian.Uint64(v)
		}
		err := tx.Bucket(objectsBucket).ForEach(func(k, v []byte) error {
			var rec guillotina.ObjectRecord
			if err := sn.codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding object %s: %w", k, err)
			}
			s.rows[string(k)] = &rec
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(blobsBucket).ForEach(func(k, v []byte) error {
			bid, index, err := parseChunkKey(k)
			if err != nil {
				return err
			}
			var c chunk
			if err := sn.codec.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding chunk %s: %w", k, err)
			}
			chunks, ok := s.blobs[bid]
			if !ok {
				chunks = make(map[int]chunk)
				s.blobs[bid] = chunks
			}
			chunks[index] = c
			return nil
		})
	})
}

// save writes one finished transaction in a single bbolt transaction.
func (sn *snapshot) save(cs changeSet, lastTID uint64) error {
	return sn.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(objectsBucket)
		blobs := tx.Bucket(blobsBucket)

		for _, bid := range cs.deletedBIDs {
			if err := deletePrefix(blobs, []byte(bid+"|")); err != nil {
				return err
			}
		}
		for _, rec := range cs.rows {
			data, err := sn.codec.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encoding object %s: %w", rec.OID, err)
			}
			if err := objects.Put([]byte(rec.OID), data); err != nil {
				return err
			}
		}
		for bid, chunks := range cs.blobs {
			for index, c := range chunks {
				data, err := sn.codec.Marshal(c)
				if err != nil {
					return err
				}
				if err := blobs.Put(chunkKey(bid, index), data); err != nil {
					return err
				}
			}
		}
		for _, oid := range cs.deletedRows {
			if err := objects.Delete([]byte(oid)); err != nil {
				return err
			}
		}

		var v [8]byte
		binary.BigEndian.PutUint64(v[:], lastTID)
		return tx.Bucket(metaBucket).Put(lastTIDKey, v[:])
	})
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
