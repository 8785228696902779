package leveldb

import (
	"time"

	"gossipmesh/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer records indexed by advertised address. Followed by the host:port string
)

var _ peer.Book = (*PeerBook)(nil)

type PeerBook struct {
	LevelDB
}

func NewPeerBook(path string) (*PeerBook, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerBook{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromAddress(address string) []byte {
	return append([]byte(keyPrefixPeer), []byte(address)...)
}

func (l *PeerBook) Get(address string) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.get(address)
}

// get assumes the lock is held by the caller.
func (l *PeerBook) get(address string) (*peer.Record, error) {
	raw, err := l.db.Get(keyFromAddress(address), nil)
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the address just in case
	if rec.Address != address {
		log.Errorf("Get: address mismatch: %s != %s", address, rec.Address)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *PeerBook) Touch(address string, seen time.Time) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(address)
	switch {
	case err == leveldb.ErrNotFound:
		rec = &peer.Record{Address: address, FirstSeen: seen}
	case err != nil:
		return nil, err
	}

	rec.LastSeen = seen
	rec.Announces++

	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromAddress(address), raw, nil); err != nil {
		return nil, err
	}

	return rec, nil
}

func (l *PeerBook) Enumerate() ([]*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Record

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return results, nil
}
