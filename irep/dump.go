package irep

import (
	"encoding/binary"
	"math"
)

func float64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
func float64ToBits(f float64) uint64      { return math.Float64bits(f) }

// Dump serializes an Irep tree back into a RITE container. It is the inverse
// of Load and exists primarily so the round-trip property in spec.md §8
// (load → dump → load yields a structurally identical tree) has something to
// exercise; a host does not need it to execute bytecode. cfg must match the
// Config the result will later be passed to Load with.
func Dump(root *Irep, version string, cfg Config) []byte {
	var body []byte
	body = append(body, dumpIrep(root, cfg)...)

	var buf []byte
	buf = append(buf, Magic...)
	ver := make([]byte, 4)
	copy(ver, version)
	buf = append(buf, ver...)

	// Placeholder total size, patched once the full length is known.
	sizeOffset := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, 1, 0, 0, 0) // endian marker (1 = big-endian) + reserved

	buf = appendSection(buf, "IREP", body)
	buf = appendSection(buf, "END ", nil)

	binary.BigEndian.PutUint32(buf[sizeOffset:], uint32(len(buf)))
	return buf
}

func appendSection(buf []byte, kind string, payload []byte) []byte {
	buf = append(buf, kind...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	buf = append(buf, lenBuf...)
	return append(buf, payload...)
}

func dumpIrep(r *Irep, cfg Config) []byte {
	var buf []byte
	buf = append16(buf, r.NLocals)
	buf = append16(buf, r.NRegs)
	buf = append16(buf, uint16(len(r.Reps)))

	if cfg.Align32 {
		pad := (4 - len(buf)%4) % 4
		buf = append(buf, make([]byte, pad)...)
	}

	buf = append32(buf, uint32(len(r.Code)))
	for _, word := range r.Code {
		buf = append32(buf, word)
	}

	buf = append32(buf, uint32(len(r.Pool)))
	for _, entry := range r.Pool {
		buf = append(buf, dumpPoolEntry(entry)...)
	}

	buf = append32(buf, uint32(len(r.Syms)))
	for _, s := range r.Syms {
		buf = append16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}

	for _, child := range r.Reps {
		buf = append(buf, dumpIrep(child, cfg)...)
	}
	return buf
}

func dumpPoolEntry(e PoolEntry) []byte {
	var raw []byte
	switch e.Kind {
	case PoolString:
		raw = []byte(e.Str)
	case PoolInt:
		raw = make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(e.Int))
	case PoolFloat:
		raw = make([]byte, 8)
		binary.BigEndian.PutUint64(raw, float64ToBits(e.Float))
	}
	buf := []byte{byte(e.Kind)}
	buf = append16(buf, uint16(len(raw)))
	return append(buf, raw...)
}

func append16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

func append32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}
