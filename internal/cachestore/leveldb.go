package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>                  -> gob(nameMeta)
//	e:<cache>\x00<key>         -> gob(diskRecord)
//	o:<cache>\x00<%016x seq>   -> <key>
type nameMeta struct {
	Seq uint64
}

type diskRecord struct {
	Seq   uint64
	Entry Entry
}

type levelStorage struct {
	db *leveldb.DB

	// serialises read-modify-write sequences; leveldb itself is safe for
	// concurrent use but Put has to drop the previous order key.
	mu  sync.Mutex
	seq uint64
}

// OpenLevelDB opens (or creates) a leveldb-backed storage at path.
func OpenLevelDB(path string) (Storage, error) {
	if path == "" {
		path = "./data/leveldb"
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, backendErr(err, "open leveldb")
	}
	s := &levelStorage{db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadSeq() error {
	var top uint64
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	for it.Next() {
		var meta nameMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if meta.Seq > top {
			top = meta.Seq
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return backendErr(err, "scan names")
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte("o:")), nil)
	for it.Next() {
		k := it.Key()
		sep := bytes.LastIndexByte(k, 0)
		if sep < 0 {
			continue
		}
		v, err := strconv.ParseUint(string(k[sep+1:]), 16, 64)
		if err != nil {
			continue
		}
		if v > top {
			top = v
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return backendErr(err, "scan order index")
	}
	s.seq = top
	return nil
}

func nameKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func entryKey(name, key string) []byte { return []byte("e:" + name + "\x00" + key) }

func orderPrefix(name string) []byte { return []byte("o:" + name + "\x00") }

func orderKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("o:%s\x00%016x", name, seq))
}

func (s *levelStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureNameLocked(name); err != nil {
		return nil, err
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) ensureNameLocked(name string) error {
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return backendErr(err, "lookup cache name")
	}
	if ok {
		return nil
	}
	s.seq++
	b, err := encodeGob(nameMeta{Seq: s.seq})
	if err != nil {
		return err
	}
	if err := s.db.Put(nameKey(name), b, nil); err != nil {
		return backendErr(err, "create cache")
	}
	return nil
}

func (s *levelStorage) Has(_ context.Context, name string) (bool, error) {
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return false, backendErr(err, "lookup cache name")
	}
	return ok, nil
}

func (s *levelStorage) Names(_ context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()

	var items []named
	for it.Next() {
		var meta nameMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		items = append(items, named{name: string(bytes.TrimPrefix(it.Key(), []byte("n:"))), seq: meta.Seq})
	}
	if err := it.Error(); err != nil {
		return nil, backendErr(err, "list caches")
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.name
	}
	return out, nil
}

func (s *levelStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return false, backendErr(err, "lookup cache name")
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	for _, prefix := range [][]byte{entryPrefix(name), orderPrefix(name)} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, backendErr(err, "scan cache")
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, backendErr(err, "delete cache")
	}
	return true, nil
}

func (s *levelStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		rec, ok, err := s.record(name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return rec.Entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *levelStorage) record(name, key string) (diskRecord, bool, error) {
	b, err := s.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return diskRecord{}, false, nil
	}
	if err != nil {
		return diskRecord{}, false, backendErr(err, "get entry")
	}
	var rec diskRecord
	if err := decodeGob(b, &rec); err != nil {
		return diskRecord{}, false, backendErr(err, "decode entry")
	}
	return rec, true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

type levelCache struct {
	s    *levelStorage
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(_ context.Context, key string) (Entry, bool, error) {
	rec, ok, err := c.s.record(c.name, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return rec.Entry, true, nil
}

func (c *levelCache) Put(_ context.Context, key string, entry Entry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if err := c.s.ensureNameLocked(c.name); err != nil {
		return err
	}
	old, exists, err := c.s.record(c.name, key)
	if err != nil {
		return err
	}

	c.s.seq++
	b, err := encodeGob(diskRecord{Seq: c.s.seq, Entry: entry})
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if exists {
		batch.Delete(orderKey(c.name, old.Seq))
	}
	batch.Put(entryKey(c.name, key), b)
	batch.Put(orderKey(c.name, c.s.seq), []byte(key))
	if err := c.s.db.Write(batch, nil); err != nil {
		return backendErr(err, "put entry")
	}
	return nil
}

func (c *levelCache) Delete(_ context.Context, key string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	old, exists, err := c.s.record(c.name, key)
	if err != nil || !exists {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(c.name, key))
	batch.Delete(orderKey(c.name, old.Seq))
	if err := c.s.db.Write(batch, nil); err != nil {
		return false, backendErr(err, "delete entry")
	}
	return true, nil
}

func (c *levelCache) Keys(_ context.Context) ([]string, error) {
	it := c.s.db.NewIterator(util.BytesPrefix(orderPrefix(c.name)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, backendErr(err, "list keys")
	}
	return out, nil
}

func (c *levelCache) Len(ctx context.Context) (int, error) {
	keys, err := c.Keys(ctx)
	return len(keys), err
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cachestore: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
