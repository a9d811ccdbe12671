package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/viant/sqlite-ann/vector"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec selects checkpoint image compression.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

// ParseCodec resolves "none", "zstd" or "lz4"; empty selects zstd.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "none":
		return CodecNone, nil
	}
	return 0, vector.Invalidf("unknown checkpoint codec %q", s)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Envelope layout: magic "ANNC" | version u16 | codec u8 | raw size u32 |
// crc32(raw) u32 | payload.
const (
	envelopeMagic  = "ANNC"
	envelopeHeader = len(envelopeMagic) + 2 + 1 + 4 + 4
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// seal compresses raw with codec and prefixes the envelope header. Data that
// does not shrink is stored uncompressed.
func seal(raw []byte, codec Codec) ([]byte, Codec, error) {
	var payload []byte
	switch codec {
	case CodecZstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		payload = buf[:n]
	}
	if len(payload) == 0 || len(payload) >= len(raw) {
		codec, payload = CodecNone, raw
	}
	out := make([]byte, envelopeHeader, envelopeHeader+len(payload))
	copy(out, envelopeMagic)
	binary.LittleEndian.PutUint16(out[4:], FormatVersion)
	out[6] = byte(codec)
	binary.LittleEndian.PutUint32(out[7:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[11:], crc32.ChecksumIEEE(raw))
	return append(out, payload...), codec, nil
}

// unseal validates an envelope and returns the raw image.
func unseal(data []byte) ([]byte, error) {
	if len(data) < envelopeHeader || string(data[:4]) != envelopeMagic {
		return nil, fmt.Errorf("%w: checkpoint envelope header", vector.ErrCorruptPayload)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: checkpoint format %d", vector.ErrUnsupportedVersion, v)
	}
	codec := Codec(data[6])
	size := binary.LittleEndian.Uint32(data[7:])
	sum := binary.LittleEndian.Uint32(data[11:])
	payload := data[envelopeHeader:]

	var raw []byte
	switch codec {
	case CodecNone:
		raw = payload
	case CodecZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", vector.ErrCorruptPayload, err)
		}
		raw = out
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", vector.ErrCorruptPayload, err)
		}
		raw = out[:n]
	default:
		return nil, fmt.Errorf("%w: checkpoint codec %d", vector.ErrUnsupportedVersion, codec)
	}
	if uint32(len(raw)) != size || crc32.ChecksumIEEE(raw) != sum {
		return nil, fmt.Errorf("%w: checkpoint image checksum mismatch", vector.ErrCorruptPayload)
	}
	return raw, nil
}

// Manifest describes a checkpoint; it is stored msgpack-encoded next to the image.
type Manifest struct {
	ID         string    `msgpack:"id" json:"id"`
	Collection string    `msgpack:"collection" json:"collection"`
	LSN        uint64    `msgpack:"lsn" json:"lsn"`
	Family     string    `msgpack:"family" json:"family"`
	Live       int       `msgpack:"live" json:"live"`
	Deleted    int       `msgpack:"deleted" json:"deleted"`
	Codec      string    `msgpack:"codec" json:"codec"`
	RawSize    int       `msgpack:"rawSize" json:"rawSize"`
	StoredSize int       `msgpack:"storedSize" json:"storedSize"`
	CreatedAt  time.Time `msgpack:"createdAt" json:"createdAt"`
}

// Checkpoint is a decoded checkpoint record.
type Checkpoint struct {
	Manifest Manifest
	Image    []byte
}

// SaveCheckpoint stores image as the collection checkpoint at lsn, which must
// be the current log head. In the same transaction it truncates the log up
// to lsn and purges tombstoned rows no later entry refers to.
func (t *Table) SaveCheckpoint(ctx context.Context, lsn uint64, image []byte, live, deleted int) (Manifest, error) {
	sealed, codec, err := seal(image, t.s.codec)
	if err != nil {
		return Manifest{}, vector.WrapStore("checkpoint", err)
	}
	m := Manifest{
		ID:         uuid.NewString(),
		Collection: t.info.Name,
		LSN:        lsn,
		Family:     string(t.info.Family),
		Live:       live,
		Deleted:    deleted,
		Codec:      codec.String(),
		RawSize:    len(image),
		StoredSize: len(sealed),
		CreatedAt:  time.Now().UTC(),
	}
	manifest, err := msgpack.Marshal(&m)
	if err != nil {
		return Manifest{}, vector.WrapStore("checkpoint", err)
	}
	var purged int64
	err = t.s.inTx(ctx, "checkpoint", func(tx *sql.Tx) error {
		head, err := t.lastLSN(ctx, tx)
		if err != nil {
			return err
		}
		if head != lsn {
			return fmt.Errorf("checkpoint at %d but log head is %d", lsn, head)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ann_checkpoints(collection, lsn, format_version, manifest, image, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(collection) DO UPDATE SET lsn = excluded.lsn, format_version = excluded.format_version,
    manifest = excluded.manifest, image = excluded.image, created_at = excluded.created_at`,
			t.info.Name, lsn, FormatVersion, manifest, sealed, m.CreatedAt.Unix()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM `+t.rows+` WHERE tombstone = 1 AND rowid NOT IN (SELECT rowid FROM `+t.log+` WHERE lsn > ?)`, lsn)
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `DELETE FROM `+t.log+` WHERE lsn <= ?`, lsn)
		return err
	})
	if err != nil {
		return Manifest{}, err
	}
	t.s.logger.Info("checkpoint saved", "collection", t.info.Name, "lsn", lsn, "codec", m.Codec,
		"raw", m.RawSize, "stored", m.StoredSize, "purged", purged)
	return m, nil
}

// LoadCheckpoint returns the latest checkpoint; ok is false when none exists.
func (t *Table) LoadCheckpoint(ctx context.Context) (cp Checkpoint, ok bool, err error) {
	var (
		lsn      int64
		version  int
		manifest []byte
		sealed   []byte
	)
	err = t.s.db.QueryRowContext(ctx, `SELECT lsn, format_version, manifest, image FROM ann_checkpoints WHERE collection = ?`, t.info.Name).
		Scan(&lsn, &version, &manifest, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, vector.WrapStore("load checkpoint", err)
	}
	if version != FormatVersion {
		return cp, false, fmt.Errorf("%w: checkpoint of %q has format %d", vector.ErrUnsupportedVersion, t.info.Name, version)
	}
	if err := msgpack.Unmarshal(manifest, &cp.Manifest); err != nil {
		return cp, false, fmt.Errorf("%w: checkpoint manifest: %v", vector.ErrCorruptPayload, err)
	}
	if cp.Manifest.LSN != uint64(lsn) {
		return cp, false, fmt.Errorf("%w: manifest lsn %d, record lsn %d", vector.ErrCorruptPayload, cp.Manifest.LSN, lsn)
	}
	if cp.Image, err = unseal(sealed); err != nil {
		return cp, false, err
	}
	return cp, true, nil
}
