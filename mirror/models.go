package mirror

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Kind is the type of a filesystem entry tracked in a snapshot.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDir
)

// String returns the value stored in the entries.kind column.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText makes Kind readable in slog attributes and YAML reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "file":
		return KindFile, nil
	case "dir":
		return KindDir, nil
	}
	return 0, fmt.Errorf("unknown entry kind %q", s)
}

// DigestSize is the width of a content fingerprint in bytes.
const DigestSize = 8

// Digest is a content fingerprint: an xxh3-64 checksum stored big-endian.
type Digest [DigestSize]byte

func digestFromSum(sum uint64) Digest {
	var d Digest
	binary.BigEndian.PutUint64(d[:], sum)
	return d
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// EntryRecord is the snapshot row of one filesystem entry.
// Size, ModifiedAt and Digest are only meaningful for files.
type EntryRecord struct {
	Kind       Kind
	Size       uint64
	ModifiedAt int64 // unix seconds
	Digest     Digest
}

// DirRecord returns the record stored for a directory.
func DirRecord() EntryRecord {
	return EntryRecord{Kind: KindDir}
}

// FileStat holds the stat information the walker reads from an opened descriptor.
type FileStat struct {
	Inode uint64
	Kind  Kind
	Size  int64
	Mtime int64 // unix seconds, sub-second part dropped
}

// IsDir reports whether the entry is a directory.
func (s FileStat) IsDir() bool {
	return s.Kind == KindDir
}
