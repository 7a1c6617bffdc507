// Package codec encodes documents into self-describing binary buffers and
// merges such buffers back into documents.
//
// A buffer starts with an 11 byte header:
//
//	[0]     format version
//	[1]     mode (0 snapshot, 1 updates)
//	[2]     flags (bit 0: body is zstd compressed)
//	[3:11]  xxhash64 of the stored body, big endian
//
// followed by the body in protobuf wire format (see wire.go).
package codec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/example/richtext-sync/internal/crdt"
	"github.com/example/richtext-sync/internal/types"
)

const (
	// FormatVersion is the only version this package reads and writes.
	FormatVersion = 1

	headerLen         = 11
	flagZstd          = 1 << 0
	compressThreshold = 1 << 10
	maxDecodedBody    = 256 << 20
)

var (
	// ErrUnsupportedVersion is returned for buffers of another format version.
	ErrUnsupportedVersion = crdt.ErrUnsupportedVersion
	// ErrCorruptData is returned for buffers that fail validation.
	ErrCorruptData = crdt.ErrCorruptData
)

// Mode selects what a buffer carries.
type Mode uint8

const (
	// ModeSnapshot carries the compacted state of the whole document.
	ModeSnapshot Mode = iota
	// ModeUpdates carries the changes not known to a version vector.
	ModeUpdates
)

func (m Mode) String() string {
	switch m {
	case ModeSnapshot:
		return "snapshot"
	case ModeUpdates:
		return "updates"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ExportMode describes what Export produces.
type ExportMode struct {
	Mode Mode
	From types.VersionVector
}

// Snapshot exports the compacted document state.
func Snapshot() ExportMode { return ExportMode{Mode: ModeSnapshot} }

// Updates exports the changes a peer at version from is missing.
func Updates(from types.VersionVector) ExportMode {
	return ExportMode{Mode: ModeUpdates, From: from.Clone()}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBody))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Export encodes doc according to mode.
func Export(doc *crdt.Doc, mode ExportMode) ([]byte, error) {
	start := time.Now()
	var body []byte
	switch mode.Mode {
	case ModeSnapshot:
		body = encodeSnapshot(doc.ExportSnapshot())
	case ModeUpdates:
		body = encodeUpdates(doc.ExportChanges(mode.From))
	default:
		return nil, fmt.Errorf("export: unknown mode %d", mode.Mode)
	}
	out, err := seal(mode.Mode, body)
	if err != nil {
		return nil, err
	}
	encodeLatency.WithLabelValues(mode.Mode.String()).Observe(time.Since(start).Seconds())
	encodedBytes.WithLabelValues(mode.Mode.String()).Observe(float64(len(out)))
	return out, nil
}

func seal(mode Mode, body []byte) ([]byte, error) {
	var flags byte
	if len(body) > compressThreshold {
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		body = enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagZstd
	}
	out := make([]byte, headerLen, headerLen+len(body))
	out[0] = FormatVersion
	out[1] = byte(mode)
	out[2] = flags
	binary.BigEndian.PutUint64(out[3:11], xxhash.Sum64(body))
	return append(out, body...), nil
}

// Payload is a decoded buffer. Exactly one of Snapshot and Updates is set,
// matching Mode.
type Payload struct {
	Mode     Mode
	Snapshot crdt.StateSnapshot
	Updates  crdt.ChangeSet
}

// ChangeSet returns the payload as a change set.
func (p *Payload) ChangeSet() crdt.ChangeSet {
	if p.Mode == ModeSnapshot {
		return p.Snapshot.ChangeSet()
	}
	return p.Updates
}

// Version returns the version vector of the exporting document.
func (p *Payload) Version() types.VersionVector {
	if p.Mode == ModeSnapshot {
		return p.Snapshot.Version.Clone()
	}
	return p.Updates.To.Clone()
}

// Decode validates and decodes a buffer without touching any document.
func Decode(data []byte) (*Payload, error) {
	p, err := decode(data)
	if err != nil {
		decodeFailures.Inc()
	}
	return p, err
}

func decode(data []byte) (*Payload, error) {
	if len(data) < headerLen {
		return nil, corrupt("buffer of %d bytes is shorter than the header", len(data))
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	mode := Mode(data[1])
	if mode != ModeSnapshot && mode != ModeUpdates {
		return nil, corrupt("unknown mode %d", data[1])
	}
	flags := data[2]
	if flags&^flagZstd != 0 {
		return nil, corrupt("unknown flags %#x", flags)
	}
	body := data[headerLen:]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(data[3:11]) {
		return nil, corrupt("checksum mismatch")
	}
	if flags&flagZstd != 0 {
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		if body, err = dec.DecodeAll(body, nil); err != nil {
			return nil, corrupt("decompress: %v", err)
		}
	}

	p := &Payload{Mode: mode}
	var err error
	if mode == ModeSnapshot {
		p.Snapshot, err = decodeSnapshot(body)
	} else {
		p.Updates, err = decodeUpdates(body)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Import decodes data and merges it into doc. The document is unchanged
// when an error is returned.
func Import(doc *crdt.Doc, data []byte) (crdt.ImportStatus, error) {
	p, err := Decode(data)
	if err != nil {
		return crdt.ImportStatus{}, err
	}
	return doc.ImportChanges(p.ChangeSet())
}

// EncodeVersionVector encodes a version vector on its own, for sync
// requests.
func EncodeVersionVector(vv types.VersionVector) []byte {
	var e encoder
	e.versionVector(vv)
	return e.buf
}

// DecodeVersionVector decodes the output of EncodeVersionVector.
func DecodeVersionVector(data []byte) (types.VersionVector, error) {
	return decodeVersionVector(data)
}
