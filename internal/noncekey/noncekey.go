// Package noncekey decodes the 32-byte structured nonce key: a grouped
// key carries the "NKG1" magic, a version byte, a kind enum, flag bits,
// an 8-byte scope, a 4-byte group ordinal, and a 12-byte memo; anything
// else is an opaque, ungrouped nonce key.
package noncekey

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"watchtower/internal/chainmodel"
)

const (
	magic        uint32 = 0x4E4B4731 // "NKG1"
	supportedVer byte   = 0x01
)

// MemoEncoding is the low bit-pair of the flags field.
type MemoEncoding uint8

const (
	EncodingRaw MemoEncoding = iota
	EncodingASCII
)

// Parsed is the result of decoding a nonce key.
type Parsed struct {
	Grouped bool

	Kind    byte
	Flags   uint16
	Scope   [8]byte
	GroupNo uint32 // the raw 4-byte inner ordinal, NOT the persisted GroupID
	Memo    [12]byte

	// GroupID is the first 16 bytes of keccak256(nonce_key). Populated
	// whenever Grouped is true; this, not GroupNo, is what gets persisted
	// on the transaction row and exposed over the API.
	GroupID chainmodel.GroupID
}

// Parse classifies a 32-byte nonce key. It is grouped only when the magic,
// version, and reserved flag bits all validate; any other byte pattern
// (including all-zero) is ungrouped.
func Parse(key chainmodel.NonceKey) Parsed {
	gotMagic := binary.BigEndian.Uint32(key[0:4])
	version := key[4]
	flags := binary.BigEndian.Uint16(key[6:8])

	if gotMagic != magic || version != supportedVer || !validFlags(flags) {
		return Parsed{Grouped: false}
	}

	p := Parsed{Grouped: true, Kind: key[5], Flags: flags}
	copy(p.Scope[:], key[8:16])
	p.GroupNo = binary.BigEndian.Uint32(key[16:20])
	copy(p.Memo[:], key[20:32])
	p.GroupID = GroupIDOf(key)
	return p
}

// validFlags accepts 00 (raw) and 01 (ASCII) for each bit-pair; anything else
// is a reserved combination and fails grouped classification.
func validFlags(flags uint16) bool {
	for shift := 0; shift < 16; shift += 2 {
		pair := (flags >> shift) & 0x3
		if pair > 1 {
			return false
		}
	}
	return true
}

// Encode is the inverse of Parse for a Grouped result; round-tripping
// encode(parse(k)) must reproduce k bit-for-bit.
func Encode(p Parsed) chainmodel.NonceKey {
	var key chainmodel.NonceKey
	if !p.Grouped {
		return key
	}
	binary.BigEndian.PutUint32(key[0:4], magic)
	key[4] = supportedVer
	key[5] = p.Kind
	binary.BigEndian.PutUint16(key[6:8], p.Flags)
	copy(key[8:16], p.Scope[:])
	binary.BigEndian.PutUint32(key[16:20], p.GroupNo)
	copy(key[20:32], p.Memo[:])
	return key
}

// GroupIDOf returns the first 16 bytes of keccak256(nonce_key), the
// canonical group identifier regardless of whether key classifies as
// grouped. Callers only invoke this once Parse has confirmed Grouped.
func GroupIDOf(key chainmodel.NonceKey) chainmodel.GroupID {
	h := sha3.NewLegacyKeccak256()
	h.Write(key[:])
	sum := h.Sum(nil)
	var gid chainmodel.GroupID
	copy(gid[:], sum[:16])
	return gid
}

// scopeFieldFlags returns the bit-pair governing the scope field's display
// encoding (bits 0-1), and memoFieldFlags returns the pair for the memo
// field (bits 2-3).
func scopeFieldFlags(flags uint16) MemoEncoding { return MemoEncoding(flags & 0x3) }
func memoFieldFlags(flags uint16) MemoEncoding  { return MemoEncoding((flags >> 2) & 0x3) }

// DisplayScope renders the scope field per its flag-selected encoding:
// decimal for raw (an 8-byte big-endian integer), trimmed ASCII for ASCII,
// hex fallback when the bytes aren't valid printable ASCII.
func DisplayScope(p Parsed) string { return display(p.Scope[:], scopeFieldFlags(p.Flags)) }

// DisplayMemo renders the memo field (12 bytes) by the same convention.
func DisplayMemo(p Parsed) string { return display(p.Memo[:], memoFieldFlags(p.Flags)) }

func display(raw []byte, enc MemoEncoding) string {
	switch enc {
	case EncodingASCII:
		trimmed := strings.TrimRight(string(raw), "\x00")
		if isPrintableASCII(trimmed) {
			return trimmed
		}
		return "0x" + hex.EncodeToString(raw)
	default: // EncodingRaw: treat as a big-endian unsigned integer
		var v uint64
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
		// raw is wider than 8 bytes for the memo field; a field wider than a
		// uint64 always renders as hex, whatever its value.
		if len(raw) > 8 {
			return "0x" + hex.EncodeToString(raw)
		}
		return strconv.FormatUint(v, 10)
	}
}

func isPrintableASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
