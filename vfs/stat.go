package vfs

import "encoding/binary"

// StatRecordSize is the byte length of the file-status record the guest
// runtime reads back from a stat call.
const StatRecordSize = 80

// Mode bits matching the layout the guest's libc parses positionally.
const (
	modeDirectory = 0o040000 | 0o555
	modeRegular   = 0o100000 | 0o444
)

// Field offsets within the record. Only mode and size are populated;
// every other field is zero-filled. The guest parses the record
// positionally, so this layout must stay byte-for-byte stable.
const (
	statModeOffset = 0
	statSizeOffset = 8
)

// EncodeStatRecord renders st as the guest-visible file-status record.
// Missing entries must not reach this function; callers fail closed with
// a sentinel return before encoding.
func EncodeStatRecord(st Stat) [StatRecordSize]byte {
	var rec [StatRecordSize]byte
	mode := uint32(modeRegular)
	if st.IsDir {
		mode = modeDirectory
	}
	binary.LittleEndian.PutUint32(rec[statModeOffset:], mode)
	binary.LittleEndian.PutUint64(rec[statSizeOffset:], st.Size)
	return rec
}
