package fat32

import (
	"strings"
	"unicode/utf16"
)

var shortNameInvalid = " +,;=[]\"*/\\:|<>?"

// synthesizeShortName builds the 11-byte 8.3 short name for name, given
// the set of short names already used in the directory (uppercased, as
// stored on disk). It implements the Open Question fat32 §9 leaves
// unresolved: ASCII-fold + uppercase the base, replace invalid characters
// with '_', truncate to 6 characters, then append "~N" for the lowest
// N making the result unique, trying 1..999999 before giving up.
func synthesizeShortName(name string, used map[[11]byte]bool) [11]byte {

	base, ext := splitExt(name)
	base = foldShort(base)
	ext = foldShort(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}

	var candidate [11]byte
	for n := 1; n < 1000000; n++ {
		suffix := "~" + itoa(n)
		b := base
		maxBase := 8 - len(suffix)
		if maxBase < 1 {
			maxBase = 1
		}
		if len(b) > maxBase {
			b = b[:maxBase]
		}
		b = b + suffix
		candidate = pack(b, ext)
		if !used[candidate] {
			return candidate
		}
	}

	// Exhausted the numbering space; return the last candidate tried
	// rather than panic (caller's NameCollision path still protects
	// correctness if this ever happens against a real directory).
	return candidate
}

func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func foldShort(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r == '.' || r == ' ' {
			continue
		}
		if r > 0x7E || r < 0x20 || strings.ContainsRune(shortNameInvalid, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteByte(byte(r))
	}
	return b.String()
}

func pack(base, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:8], base)
	copy(out[8:11], ext)
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

// lfnChain renders name into the LFN entry slots that must precede the
// short entry, last-slot-first, as they are written to disk (ordinal
// descending from len(slots) down to 1, with bit 6 set on the logically
// last slot, i.e. the one holding the highest ordinal, which is emitted
// first).
func lfnChain(name string, shortName [11]byte) []lfnEntry {

	units := utf16.Encode([]rune(name))
	units = append(units, 0) // NUL terminator

	const perSlot = 13
	n := (len(units) + perSlot - 1) / perSlot
	if n == 0 {
		n = 1
	}

	chk := shortNameChecksum(shortName)
	entries := make([]lfnEntry, n)

	for i := 0; i < n; i++ {
		slot := make([]uint16, perSlot)
		for j := range slot {
			slot[j] = 0xFFFF
		}
		start := i * perSlot
		for j := 0; j < perSlot && start+j < len(units); j++ {
			slot[j] = units[start+j]
		}

		ord := uint8(i + 1)
		if i == n-1 {
			ord |= 0x40
		}

		e := lfnEntry{
			Ord:    ord,
			Attr:   attrLongName,
			Chksum: chk,
		}
		copy(e.Name1[:], slot[0:5])
		copy(e.Name2[:], slot[5:11])
		copy(e.Name3[:], slot[11:13])
		entries[n-1-i] = e // stored highest-ordinal-first on disk
	}

	return entries
}
