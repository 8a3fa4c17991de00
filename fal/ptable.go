package fal

import (
	"encoding/binary"
	"errors"

	"zappem.net/pub/debug/xcrc32"
)

// ErrPTableCRC is returned by DecodePTable when the trailing CRC-32
// does not match the preceding bytes. An embedded partition table
// silently redirects where flash writes land, so it is the one
// tag-carried structure the engine checksums before trusting,
// distinct from the engine's non-verification of the SHA2 tag (which
// authenticates the firmware payload, not the routing table).
var ErrPTableCRC = errors.New("fal: embedded partition table failed crc check")

// ErrPTableMalformed is returned for a truncated or inconsistent payload.
var ErrPTableMalformed = errors.New("fal: malformed embedded partition table")

// EncodePTable serializes entries into the FAL_PTABLE tag payload
// format: a count byte, then per-entry length-prefixed name and flash
// device name plus 4-byte offset/length, followed by a trailing
// little-endian CRC-32 of everything before it.
func EncodePTable(entries []Partition) ([]byte, error) {
	if len(entries) > 255 {
		return nil, ErrPTableMalformed
	}
	buf := []byte{byte(len(entries))}
	for _, p := range entries {
		if len(p.Name) > 255 || len(p.FlashDeviceName) > 255 {
			return nil, ErrPTableMalformed
		}
		buf = append(buf, byte(len(p.Name)))
		buf = append(buf, p.Name...)
		buf = append(buf, byte(len(p.FlashDeviceName)))
		buf = append(buf, p.FlashDeviceName...)
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], p.Offset)
		buf = append(buf, word[:]...)
		binary.LittleEndian.PutUint32(word[:], p.Length)
		buf = append(buf, word[:]...)
	}
	_, crc := xcrc32.NewCRC32(buf)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(buf, crcBuf[:]...), nil
}

// DecodePTable parses and CRC-checks a FAL_PTABLE tag payload.
func DecodePTable(payload []byte) ([]Partition, error) {
	if len(payload) < 5 {
		return nil, ErrPTableMalformed
	}
	body := payload[:len(payload)-4]
	wantCRC := binary.LittleEndian.Uint32(payload[len(payload)-4:])
	_, gotCRC := xcrc32.NewCRC32(body)
	if gotCRC != wantCRC {
		return nil, ErrPTableCRC
	}

	pos := 0
	count := int(body[pos])
	pos++
	entries := make([]Partition, 0, count)
	for i := 0; i < count; i++ {
		name, next, err := readLenPrefixed(body, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		devName, next, err := readLenPrefixed(body, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		if pos+8 > len(body) {
			return nil, ErrPTableMalformed
		}
		offset := binary.LittleEndian.Uint32(body[pos : pos+4])
		length := binary.LittleEndian.Uint32(body[pos+4 : pos+8])
		pos += 8

		entries = append(entries, Partition{
			Name:            name,
			FlashDeviceName: devName,
			Offset:          offset,
			Length:          length,
		})
	}
	return entries, nil
}

func readLenPrefixed(body []byte, pos int) (string, int, error) {
	if pos >= len(body) {
		return "", 0, ErrPTableMalformed
	}
	n := int(body[pos])
	pos++
	if pos+n > len(body) {
		return "", 0, ErrPTableMalformed
	}
	return string(body[pos : pos+n]), pos + n, nil
}
