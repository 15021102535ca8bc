package exfat

import (
	"unicode/utf16"

	"github.com/vorteil/fsimage/pkg/fsengine"
)

func utf16Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// buildEntrySet renders one file/directory's 0x85+0xC0+0xC1... entry set as
// raw 32-byte records, checksummed and ready to append to a directory.
// firstCluster/dataLength/noFatChain describe the allocated content (a new
// directory is entered with one cluster's length, which EndDir patches
// once the directory's final size is known).
func buildEntrySet(name string, attrs fsengine.Attrs, isDir bool, firstCluster uint32, dataLength int64, noFatChain bool, upcase []byte) [][]byte {

	units := utf16Units(name)
	nameEntries := (len(units) + FileNameCharsPerEntry - 1) / FileNameCharsPerEntry
	if nameEntries == 0 {
		nameEntries = 1
	}

	fe := fileEntry{
		EntryType:      EntryTypeFile | EntryInUseBit,
		SecondaryCount: uint8(1 + nameEntries),
	}
	fe.CreateTimestamp, fe.Create10ms = exfatTimestamp(attrs.ModTime)
	fe.ModifyTimestamp, fe.Modify10ms = exfatTimestamp(attrs.ModTime)
	fe.AccessTimestamp, _ = exfatTimestamp(attrs.AccessTime)
	if isDir {
		fe.FileAttributes = attrDirectory
	} else {
		fe.FileAttributes = attrArchive
	}

	flags := uint8(flagAllocationPossible)
	if noFatChain {
		flags |= flagNoFatChain
	}
	se := streamExtensionEntry{
		EntryType:       EntryTypeStreamExtension | EntryInUseBit,
		GeneralSecFlags: flags,
		NameLength:      uint8(len(units)),
		ValidDataLength: uint64(dataLength),
		FirstCluster:    firstCluster,
		DataLength:      uint64(dataLength),
	}

	upcased := make([]uint16, len(units))
	for i, u := range units {
		upcased[i] = upcaseUnit(upcase, u)
	}
	se.NameHash = nameHash(upcased)

	raw := make([][]byte, 0, 2+nameEntries)
	raw = append(raw, marshalEntry(&fe), marshalEntry(&se))

	for i := 0; i < nameEntries; i++ {
		var slot [FileNameCharsPerEntry]uint16
		for j := 0; j < FileNameCharsPerEntry; j++ {
			idx := i*FileNameCharsPerEntry + j
			if idx < len(units) {
				slot[j] = units[idx]
			}
		}
		ne := fileNameEntry{EntryType: EntryTypeFileName | EntryInUseBit, FileName: slot}
		raw = append(raw, marshalEntry(&ne))
	}

	chk := setChecksum(raw)
	raw[0][2] = byte(chk)
	raw[0][3] = byte(chk >> 8)

	return raw
}
