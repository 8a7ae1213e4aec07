// Package persistence implements the two on-disk durability mechanisms:
// a checksum-terminated binary snapshot of the whole keyspace and an
// append-only log of effective writes in wire-frame form, with a
// background rewrite that compacts the log to the minimum command
// sequence reconstructing the current keyspace.
package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang/snappy"
	"golang.org/x/sync/singleflight"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/ppcrc"
)

const (
	snapshotMagic   = "PKDB"
	snapshotVersion = byte(2)

	markerDatabase = byte(0xFE)
	markerEOF      = byte(0xFF)
)

// SnapshotManager owns the snapshot file: blocking SAVE, coalesced
// background BGSAVE, and the startup load. The consistency contract is
// met by encoding the whole keyspace into memory under the exclusive
// keyspace serializer (cheap relative to disk I/O), then compressing and
// writing the image off the hot path.
type SnapshotManager struct {
	path string
	ks   *keyspace.Keyspace

	sf        singleflight.Group
	saving    atomic.Bool
	lastSave  atomic.Int64 // unix seconds of last successful save
	lastError atomic.Value // error
}

func NewSnapshotManager(path string, ks *keyspace.Keyspace) *SnapshotManager {
	return &SnapshotManager{path: path, ks: ks}
}

func (m *SnapshotManager) Path() string        { return m.path }
func (m *SnapshotManager) LastSaveUnix() int64 { return m.lastSave.Load() }
func (m *SnapshotManager) InProgress() bool    { return m.saving.Load() }

// Save runs a blocking snapshot: encode under the serializer, write,
// fsync, rename. The caller's command does not return until the file is
// durable.
func (m *SnapshotManager) Save(nowUnix int64) error {
	image, offset := m.encodeConsistent(nil)
	if err := m.writeFile(image, offset); err != nil {
		m.lastError.Store(err)
		return err
	}
	m.lastSave.Store(nowUnix)
	log.Printf("[SNAPSHOT] blocking save complete: offset=%d bytes=%d", offset, len(image))
	return nil
}

// BGSave starts a background snapshot unless one is already running, in
// which case the request coalesces onto the in-flight save. It returns
// at once: the memory image (the consistency point, taken under the
// serializer) and the disk work both happen in a goroutine.
func (m *SnapshotManager) BGSave(nowUnix int64, onDone func(err error)) {
	go func() {
		_, err, _ := m.sf.Do("bgsave", func() (interface{}, error) {
			m.saving.Store(true)
			defer m.saving.Store(false)

			image, offset := m.encodeConsistent(nil)
			if err := m.writeFile(image, offset); err != nil {
				m.lastError.Store(err)
				return nil, err
			}
			m.lastSave.Store(nowUnix)
			log.Printf("[SNAPSHOT] background save complete: offset=%d bytes=%d", offset, len(image))
			return nil, nil
		})
		if onDone != nil {
			onDone(err)
		}
	}()
}

// EncodeImageForSync returns a framed snapshot image plus the stream
// offset it corresponds to, both captured under the serializer --
// exactly what the replication leader needs for FULLRESYNC. streamOffset
// is read inside the exclusion so the image and the advertised offset
// describe the same cut.
func (m *SnapshotManager) EncodeImageForSync(streamOffset func() int64) ([]byte, int64) {
	var at int64
	image, offset := m.encodeConsistent(func() {
		if streamOffset != nil {
			at = streamOffset()
		}
	})
	var out bytes.Buffer
	if err := encodeSnapshot(&out, image, offset); err != nil {
		// bytes.Buffer writes cannot fail; keep the error path anyway.
		log.Printf("[SNAPSHOT] encode error: %v", err)
		return nil, at
	}
	return out.Bytes(), at
}

// encodeConsistent serializes every database into an uncompressed body
// while holding the keyspace serializer, so the image is a consistent
// cut at a single offset. capture, if non-nil, runs inside the same
// exclusion.
func (m *SnapshotManager) encodeConsistent(capture func()) (body []byte, offset uint64) {
	var buf bytes.Buffer
	m.ks.WithSerializer(func() {
		offset = m.ks.Offset()
		if capture != nil {
			capture()
		}
		for i := 0; i < m.ks.Count(); i++ {
			db := m.ks.DB(i)
			if db.Size() == 0 {
				continue
			}
			buf.WriteByte(markerDatabase)
			writeU32(&buf, uint32(i))
			db.ForEach(func(key string, e *keyspace.KeyEntry) {
				encodeEntry(&buf, key, e)
			})
			buf.WriteByte(markerEOF)
		}
	})
	return buf.Bytes(), offset
}

func (m *SnapshotManager) writeFile(body []byte, offset uint64) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}
	if err := encodeSnapshot(f, body, offset); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot rename: %w", err)
	}
	return nil
}

// encodeSnapshot frames a body as the on-disk format: magic, version,
// offset, compressed length, snappy-compressed body, CRC-64 trailer over
// the offset and the compressed body (the length field is not covered).
func encodeSnapshot(w io.Writer, body []byte, offset uint64) error {
	if _, err := w.Write([]byte(snapshotMagic)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{snapshotVersion}); err != nil {
		return err
	}

	var offsetBytes [8]byte
	binary.BigEndian.PutUint64(offsetBytes[:], offset)
	compressed := snappy.Encode(nil, body)

	crc := ppcrc.Update(0, offsetBytes[:])
	crc = ppcrc.Update(crc, compressed)

	if _, err := w.Write(offsetBytes[:]); err != nil {
		return err
	}
	var sizeBytes [8]byte
	binary.BigEndian.PutUint64(sizeBytes[:], uint64(len(compressed)))
	if _, err := w.Write(sizeBytes[:]); err != nil {
		return err
	}
	if _, err := w.Write(compressed); err != nil {
		return err
	}
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], crc)
	_, err := w.Write(trailer[:])
	return err
}

// Load reads the snapshot file into ks, replacing its contents, and
// returns the offset the image corresponds to. A missing file is not an
// error (ok=false); a corrupt one is fatal to startup.
func (m *SnapshotManager) Load() (offset uint64, ok bool, err error) {
	data, rerr := os.ReadFile(m.path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return 0, false, nil
		}
		return 0, false, rerr
	}
	offset, err = DecodeSnapshot(data, m.ks)
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

// DecodeSnapshot decodes a full snapshot image (as produced by
// encodeSnapshot) into ks. Exposed for the replication follower, which
// receives the same image over the wire during full sync.
func DecodeSnapshot(data []byte, ks *keyspace.Keyspace) (uint64, error) {
	if len(data) < len(snapshotMagic)+1+8+8+8 {
		return 0, fmt.Errorf("snapshot: file too short")
	}
	if string(data[:4]) != snapshotMagic {
		return 0, fmt.Errorf("snapshot: bad magic")
	}
	if data[4] != snapshotVersion {
		return 0, fmt.Errorf("snapshot: unsupported version %d", data[4])
	}
	rest := data[5:]
	offset := binary.BigEndian.Uint64(rest[:8])
	size := binary.BigEndian.Uint64(rest[8:16])
	if uint64(len(rest)) < 16+size+8 {
		return 0, fmt.Errorf("snapshot: truncated body")
	}
	compressed := rest[16 : 16+size]
	wantCRC := binary.BigEndian.Uint64(rest[16+size : 16+size+8])
	crc := ppcrc.Update(0, rest[:8])
	crc = ppcrc.Update(crc, compressed)
	if crc != wantCRC {
		return 0, fmt.Errorf("snapshot: checksum mismatch (have %x want %x)", crc, wantCRC)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return 0, fmt.Errorf("snapshot: decompress: %w", err)
	}

	ks.FlushAll()
	r := bytes.NewReader(body)
	for {
		marker, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if marker != markerDatabase {
			return 0, fmt.Errorf("snapshot: unexpected marker %x", marker)
		}
		dbIndex, err := readU32(r)
		if err != nil {
			return 0, err
		}
		if int(dbIndex) >= ks.Count() {
			return 0, fmt.Errorf("snapshot: database index %d out of range", dbIndex)
		}
		db := ks.DB(int(dbIndex))
		for {
			kind, err := r.ReadByte()
			if err != nil {
				return 0, err
			}
			if kind == markerEOF {
				break
			}
			if err := decodeEntry(r, db, keyspace.Kind(kind)); err != nil {
				return 0, err
			}
		}
	}
	ks.SetOffset(offset)
	return offset, nil
}

func encodeEntry(buf *bytes.Buffer, key string, e *keyspace.KeyEntry) {
	buf.WriteByte(byte(e.Value.Kind()))
	writeString(buf, key)
	writeU64(buf, uint64(e.ExpiresAt))
	switch v := e.Value.(type) {
	case *keyspace.StringValue:
		writeBytes(buf, v.Data)
	case *keyspace.ListValue:
		items := v.All()
		writeU32(buf, uint32(len(items)))
		for _, it := range items {
			writeBytes(buf, it)
		}
	case *keyspace.HashValue:
		writeU32(buf, uint32(len(v.Fields)))
		for f, val := range v.Fields {
			writeString(buf, f)
			writeBytes(buf, val)
		}
	case *keyspace.SetValue:
		writeU32(buf, uint32(len(v.Members)))
		for m := range v.Members {
			writeString(buf, m)
		}
	case *keyspace.ZSetValue:
		all := v.All()
		writeU32(buf, uint32(len(all)))
		for _, el := range all {
			writeString(buf, el.Member)
			writeU64(buf, math.Float64bits(el.Score))
		}
	}
}

func decodeEntry(r *bytes.Reader, db *keyspace.Database, kind keyspace.Kind) error {
	key, err := readString(r)
	if err != nil {
		return err
	}
	expiresAt, err := readU64(r)
	if err != nil {
		return err
	}

	var value keyspace.Value
	switch kind {
	case keyspace.KindString:
		data, err := readBytes(r)
		if err != nil {
			return err
		}
		value = &keyspace.StringValue{Data: data}
	case keyspace.KindList:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		lv := keyspace.NewListValue()
		for i := uint32(0); i < n; i++ {
			item, err := readBytes(r)
			if err != nil {
				return err
			}
			lv.PushRight(item)
		}
		value = lv
	case keyspace.KindHash:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		hv := keyspace.NewHashValue()
		for i := uint32(0); i < n; i++ {
			f, err := readString(r)
			if err != nil {
				return err
			}
			val, err := readBytes(r)
			if err != nil {
				return err
			}
			hv.Fields[f] = val
		}
		value = hv
	case keyspace.KindSet:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		sv := keyspace.NewSetValue()
		for i := uint32(0); i < n; i++ {
			m, err := readString(r)
			if err != nil {
				return err
			}
			sv.Members[m] = struct{}{}
		}
		value = sv
	case keyspace.KindZSet:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		zv := keyspace.NewZSetValue()
		for i := uint32(0); i < n; i++ {
			m, err := readString(r)
			if err != nil {
				return err
			}
			bits, err := readU64(r)
			if err != nil {
				return err
			}
			zv.Add(m, math.Float64frombits(bits), keyspace.AddFlags{})
		}
		value = zv
	default:
		return fmt.Errorf("snapshot: unknown value kind %d", kind)
	}

	db.Restore(key, value, int64(expiresAt))
	return nil
}

// --- primitive encoding helpers ---

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}
