// Package wal implements the write-ahead log that gives the storage engine
// crash durability. Every mutation is appended (and synced) here before the
// in-memory map is touched; recovery replays the log from the start and
// keeps the longest valid prefix.
//
// On-disk format, one entry per mutation, all integers big-endian:
//
//	[4B entry_size][record][4B CRC32]
//	record := 1B op | 8B ts | 4B klen | key | 4B vlen | value
//
// entry_size covers the record only; the CRC is computed over the record
// with the IEEE polynomial. A torn or corrupt tail terminates replay at the
// last intact entry.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/protocol"
)

// headerSize is the length of the entry_size prefix; crcSize the trailing
// checksum. recordFixed is the fixed portion of a record (op + ts + two
// length fields).
const (
	headerSize  = 4
	crcSize     = 4
	recordFixed = 1 + 8 + 4 + 4
)

// Entry is one logged mutation. Value is empty for deletes.
type Entry struct {
	Op        protocol.OpType
	Timestamp uint64
	Key       string
	Value     string
}

// Log is an append-only, crash-safe write-ahead log over a single file.
// Appends are serialized by an internal mutex; Replay holds the same mutex,
// so no append can interleave with recovery.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (or creates) the log file at path. The file is opened in
// append mode so every write lands at the end regardless of read position.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}
	log.WithField("path", path).Info("WAL opened")
	return &Log{path: path, file: f}, nil
}

// Append serializes one mutation and writes [size][record][crc] with a
// single Write call, then flushes file data to disk. The entry is durable
// when Append returns nil.
func (l *Log) Append(op protocol.OpType, key, value string, ts uint64) error {
	record := make([]byte, 0, recordFixed+len(key)+len(value))
	record = append(record, byte(op))
	record = binary.BigEndian.AppendUint64(record, ts)
	record = binary.BigEndian.AppendUint32(record, uint32(len(key)))
	record = append(record, key...)
	record = binary.BigEndian.AppendUint32(record, uint32(len(value)))
	record = append(record, value...)

	crc := crc32.ChecksumIEEE(record)

	blob := make([]byte, 0, headerSize+len(record)+crcSize)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(record)))
	blob = append(blob, record...)
	blob = binary.BigEndian.AppendUint32(blob, crc)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(blob); err != nil {
		return errors.Wrap(err, "wal: append")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync")
	}
	return nil
}

// Replay reads the log from the beginning and returns every entry up to the
// first torn or corrupt record. Entries past a corruption point are lost;
// each stop condition other than a clean EOF is logged as a warning.
func (l *Log) Replay() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "wal: seek for replay")
	}

	var entries []Entry
	for {
		entry, ok := l.readEntry(len(entries))
		if !ok {
			break
		}
		entries = append(entries, entry)
	}

	// Appends go to the end regardless (O_APPEND), but leave the offset
	// there so Size and future reads agree.
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "wal: seek after replay")
	}

	log.WithFields(log.Fields{"path": l.path, "entries": len(entries)}).
		Info("WAL replay complete")
	return entries, nil
}

// readEntry reads one [size][record][crc] entry. It returns ok=false on any
// stop condition: clean EOF (silent), torn record, bad CRC, or a field
// overflowing the record.
func (l *Log) readEntry(index int) (Entry, bool) {
	var sizeBuf [headerSize]byte
	if _, err := io.ReadFull(l.file, sizeBuf[:]); err != nil {
		if err != io.EOF {
			log.WithField("entry", index).Warn("WAL: truncated size header, stopping replay")
		}
		return Entry{}, false
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])

	record := make([]byte, size)
	if _, err := io.ReadFull(l.file, record); err != nil {
		log.WithField("entry", index).Warn("WAL: truncated record, stopping replay")
		return Entry{}, false
	}

	var crcBuf [crcSize]byte
	if _, err := io.ReadFull(l.file, crcBuf[:]); err != nil {
		log.WithField("entry", index).Warn("WAL: truncated CRC, stopping replay")
		return Entry{}, false
	}
	stored := binary.BigEndian.Uint32(crcBuf[:])
	if computed := crc32.ChecksumIEEE(record); computed != stored {
		log.WithFields(log.Fields{"entry": index, "stored": stored, "computed": computed}).
			Warn("WAL: CRC mismatch, stopping replay")
		return Entry{}, false
	}

	entry, err := parseRecord(record)
	if err != nil {
		log.WithFields(log.Fields{"entry": index, "error": err}).
			Warn("WAL: malformed record, stopping replay")
		return Entry{}, false
	}
	return entry, true
}

// parseRecord decodes op/ts/key/value from a CRC-verified record.
func parseRecord(record []byte) (Entry, error) {
	if len(record) < recordFixed {
		return Entry{}, errors.Errorf("record too short: %d bytes", len(record))
	}
	var e Entry
	e.Op = protocol.OpType(record[0])
	e.Timestamp = binary.BigEndian.Uint64(record[1:9])

	pos := 9
	klen := binary.BigEndian.Uint32(record[pos : pos+4])
	pos += 4
	if uint32(len(record)-pos) < klen {
		return Entry{}, errors.Errorf("key length %d overflows record", klen)
	}
	e.Key = string(record[pos : pos+int(klen)])
	pos += int(klen)

	if len(record)-pos < 4 {
		return Entry{}, errors.New("record truncated before value length")
	}
	vlen := binary.BigEndian.Uint32(record[pos : pos+4])
	pos += 4
	if uint32(len(record)-pos) < vlen {
		return Entry{}, errors.Errorf("value length %d overflows record", vlen)
	}
	e.Value = string(record[pos : pos+int(vlen)])
	return e, nil
}

// Truncate zeroes the log and resets the write position. Used after a full
// snapshot compaction.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return errors.Wrap(err, "wal: truncate")
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal: seek after truncate")
	}
	log.WithField("path", l.path).Info("WAL truncated")
	return nil
}

// Sync forces buffered file data to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Wrap(l.file.Sync(), "wal: sync")
}

// Size returns the current file size in bytes.
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "wal: stat")
	}
	return st.Size(), nil
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync on close")
	}
	return errors.Wrap(l.file.Close(), "wal: close")
}
