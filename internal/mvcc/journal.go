package mvcc

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/hypermesh/core/internal/wire"
)

// opKind distinguishes put/delete records within the journal payload.
type opKind uint8

const (
	opPut opKind = iota
	opDelete
)

// JournalEntry is one decoded record read back from the journal during
// replay.
type JournalEntry struct {
	Op       opKind
	Key      string
	Value    []byte
	CommitTS uint64
	TxnID    uint64
}

// maxJournalFrame bounds a single journal record; large values are expected
// to be chunked by callers, matching the transport's own max_frame_size
// discipline rather than inventing a second limit concept.
const maxJournalFrame = 64 << 20

// Journal is an append-only write-ahead log, framed with the same
// length-prefixed wire format C2 uses on the network (spec §4.6:
// "writes are journaled before the in-memory chain is updated").
type Journal struct {
	mu   sync.Mutex
	file *os.File
	seq  uint64
}

// OpenJournal opens (creating if necessary) the journal file at path for
// appending, and for replay.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f}, nil
}

func encodeEntry(op opKind, key string, value []byte, commitTS, txnID uint64) []byte {
	buf := make([]byte, 1+2+len(key)+4+len(value)+8+8)
	off := 0
	buf[off] = byte(op)
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(key)))
	off += 2
	copy(buf[off:off+len(key)], key)
	off += len(key)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	off += 4
	copy(buf[off:off+len(value)], value)
	off += len(value)
	binary.BigEndian.PutUint64(buf[off:off+8], commitTS)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], txnID)
	return buf
}

func decodeEntry(payload []byte) (JournalEntry, error) {
	if len(payload) < 1+2 {
		return JournalEntry{}, errors.New("mvcc: short journal entry")
	}
	off := 0
	op := opKind(payload[off])
	off++
	keyLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	if len(payload) < off+keyLen+4 {
		return JournalEntry{}, errors.New("mvcc: truncated journal key")
	}
	key := string(payload[off : off+keyLen])
	off += keyLen
	valLen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+valLen+16 {
		return JournalEntry{}, errors.New("mvcc: truncated journal value")
	}
	value := payload[off : off+valLen]
	off += valLen
	commitTS := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	txnID := binary.BigEndian.Uint64(payload[off : off+8])
	return JournalEntry{Op: op, Key: key, Value: value, CommitTS: commitTS, TxnID: txnID}, nil
}

func (j *Journal) append(op opKind, key string, value []byte, commitTS, txnID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	msg := wire.Message{
		Header: wire.Header{Kind: wire.KindData, Sequence: j.seq},
		Payload: encodeEntry(op, key, value, commitTS, txnID),
	}
	frame := wire.Encode(msg)
	if _, err := j.file.Write(frame); err != nil {
		return err
	}
	return j.file.Sync()
}

// AppendPut journals a put record.
func (j *Journal) AppendPut(key string, value []byte, commitTS, txnID uint64) error {
	return j.append(opPut, key, value, commitTS, txnID)
}

// AppendDelete journals a tombstone record.
func (j *Journal) AppendDelete(key string, commitTS, txnID uint64) error {
	return j.append(opDelete, key, nil, commitTS, txnID)
}

// Replay reads every entry from the start of the journal, in append order,
// invoking fn for each. Used on restart to reconstruct version chains
// deterministically.
func (j *Journal) Replay(fn func(JournalEntry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for {
		msg, err := wire.ReadFrame(j.file, maxJournalFrame)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		entry, err := decodeEntry(msg.Payload)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Truncate drops the journal content, used after a snapshot checkpoint
// folds the chains into a compact image at the watermark (spec §4.6).
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err := j.file.Seek(0, io.SeekStart)
	return err
}

// LoadStore replays journal into a fresh Store.
func LoadStore(journal *Journal) (*Store, error) {
	s := NewStore(journal)
	err := journal.Replay(func(e JournalEntry) error {
		c := s.getOrCreateChain(e.Key)
		c.mu.Lock()
		defer c.mu.Unlock()
		insertDescending(c, Record{
			CommitTS:  e.CommitTS,
			Value:     e.Value,
			Tombstone: e.Op == opDelete,
			TxnID:     e.TxnID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
