package journal

import (
	"encoding/binary"
)

// Record kinds as written in the first byte of every record.
const (
	addRecord      byte = 11
	updateRecord   byte = 12
	addRecordTx    byte = 13
	updateRecordTx byte = 14
	deleteRecordTx byte = 15
	deleteRecord   byte = 16
	prepareRecord  byte = 17
	commitRecord   byte = 18
	rollbackRecord byte = 19
)

const recordMarker byte = 0x5A

const (
	sizeByte = 1
	sizeInt  = 4
	sizeLong = 8

	// kind, file id
	sizeRecordHeader = sizeByte + sizeInt

	// header, id, payload length, user type, marker
	sizeAddRecord = sizeRecordHeader + sizeLong + sizeInt + sizeByte + sizeByte
	// header, tx id, id, payload length, user type, marker
	sizeAddRecordTx = sizeRecordHeader + sizeLong + sizeLong + sizeInt + sizeByte + sizeByte
	// header, tx id, file count, extra length, marker
	sizePrepareRecord = sizeRecordHeader + sizeLong + sizeInt + sizeInt + sizeByte
	// header, tx id, file count, marker
	sizeCommitRecord = sizeRecordHeader + sizeLong + sizeInt + sizeByte
	// file id, record count, one per file a prepare or commit covers
	sizeFileCount = sizeLong + sizeInt
	// header, tx id, marker
	sizeRollbackRecord = sizeRecordHeader + sizeLong + sizeByte
)

// File header: magic, version, file id.
const (
	fileMagic   = "QSJ1"
	fileVersion = 1
	sizeHeader  = 4 + sizeInt + sizeLong
)

// record is the decoded form of one journal entry.
type record struct {
	kind     byte
	fileID   int32
	txID     int64
	id       int64
	userType byte
	// payload is the record data, or the extra data of a prepare record.
	payload []byte
	// files holds, per file, the number of transactional records a prepare or
	// commit covers.
	files []fileCount
}

type fileCount struct {
	fileID int64
	count  int32
}

func isTransactional(kind byte) bool {
	switch kind {
	case addRecordTx, updateRecordTx, deleteRecordTx, prepareRecord, commitRecord, rollbackRecord:
		return true
	}
	return false
}

func (r *record) encodedSize() int {
	switch r.kind {
	case addRecord, updateRecord, deleteRecord:
		return sizeAddRecord + len(r.payload)
	case addRecordTx, updateRecordTx, deleteRecordTx:
		return sizeAddRecordTx + len(r.payload)
	case prepareRecord:
		return sizePrepareRecord + len(r.files)*sizeFileCount + len(r.payload)
	case commitRecord:
		return sizeCommitRecord + len(r.files)*sizeFileCount
	case rollbackRecord:
		return sizeRollbackRecord
	}
	return 0
}

// encode writes r at the start of buf, which must hold encodedSize bytes.
// Any remaining bytes of buf are left as they are and act as padding.
func (r *record) encode(buf []byte) {
	be := binary.BigEndian
	buf[0] = r.kind
	be.PutUint32(buf[1:], uint32(r.fileID))
	pos := sizeRecordHeader

	switch r.kind {
	case addRecord, updateRecord, deleteRecord:
		be.PutUint64(buf[pos:], uint64(r.id))
		pos += sizeLong
		pos = putPayload(buf, pos, r.userType, r.payload)
	case addRecordTx, updateRecordTx, deleteRecordTx:
		be.PutUint64(buf[pos:], uint64(r.txID))
		pos += sizeLong
		be.PutUint64(buf[pos:], uint64(r.id))
		pos += sizeLong
		pos = putPayload(buf, pos, r.userType, r.payload)
	case prepareRecord:
		be.PutUint64(buf[pos:], uint64(r.txID))
		pos += sizeLong
		pos = putFileCounts(buf, pos, r.files)
		be.PutUint32(buf[pos:], uint32(len(r.payload)))
		pos += sizeInt
		pos += copy(buf[pos:], r.payload)
	case commitRecord:
		be.PutUint64(buf[pos:], uint64(r.txID))
		pos += sizeLong
		pos = putFileCounts(buf, pos, r.files)
	case rollbackRecord:
		be.PutUint64(buf[pos:], uint64(r.txID))
		pos += sizeLong
	}
	buf[pos] = recordMarker
}

func putPayload(buf []byte, pos int, userType byte, payload []byte) int {
	binary.BigEndian.PutUint32(buf[pos:], uint32(len(payload)))
	pos += sizeInt
	buf[pos] = userType
	pos++
	return pos + copy(buf[pos:], payload)
}

func putFileCounts(buf []byte, pos int, files []fileCount) int {
	be := binary.BigEndian
	be.PutUint32(buf[pos:], uint32(len(files)))
	pos += sizeInt
	for _, fc := range files {
		be.PutUint64(buf[pos:], uint64(fc.fileID))
		be.PutUint32(buf[pos+sizeLong:], uint32(fc.count))
		pos += sizeFileCount
	}
	return pos
}

// getFileCounts reads the counts written by putFileCounts, reporting false
// when buf ends before them.
func getFileCounts(buf []byte, pos int) ([]fileCount, int, bool) {
	be := binary.BigEndian
	if len(buf)-pos < sizeInt {
		return nil, 0, false
	}
	n := int(be.Uint32(buf[pos:]))
	pos += sizeInt
	if n < 0 || (len(buf)-pos)/sizeFileCount < n {
		return nil, 0, false
	}
	files := make([]fileCount, n)
	for i := range files {
		files[i].fileID = int64(be.Uint64(buf[pos:]))
		files[i].count = int32(be.Uint32(buf[pos+sizeLong:]))
		pos += sizeFileCount
	}
	return files, pos, true
}

// decodeRecord parses the record at the start of buf. It reports false when
// buf does not start with a complete record written for fileID, which marks
// the end of the valid region of a file.
func decodeRecord(buf []byte, fileID int32) (record, int, bool) {
	var r record
	if len(buf) < sizeRecordHeader {
		return r, 0, false
	}
	be := binary.BigEndian
	r.kind = buf[0]
	r.fileID = int32(be.Uint32(buf[1:]))
	if r.fileID != fileID {
		return r, 0, false
	}
	pos := sizeRecordHeader

	need := func(n int) bool { return len(buf)-pos >= n }

	switch r.kind {
	case addRecord, updateRecord, deleteRecord, addRecordTx, updateRecordTx, deleteRecordTx:
		fixed := sizeAddRecord - sizeRecordHeader
		if isTransactional(r.kind) {
			fixed = sizeAddRecordTx - sizeRecordHeader
		}
		if !need(fixed) {
			return r, 0, false
		}
		if isTransactional(r.kind) {
			r.txID = int64(be.Uint64(buf[pos:]))
			pos += sizeLong
		}
		r.id = int64(be.Uint64(buf[pos:]))
		pos += sizeLong
		length := int(be.Uint32(buf[pos:]))
		pos += sizeInt
		r.userType = buf[pos]
		pos++
		if length < 0 || !need(length+sizeByte) {
			return r, 0, false
		}
		r.payload = append([]byte(nil), buf[pos:pos+length]...)
		pos += length
	case prepareRecord:
		if !need(sizePrepareRecord - sizeRecordHeader) {
			return r, 0, false
		}
		r.txID = int64(be.Uint64(buf[pos:]))
		pos += sizeLong
		var ok bool
		if r.files, pos, ok = getFileCounts(buf, pos); !ok || !need(sizeInt) {
			return r, 0, false
		}
		length := int(be.Uint32(buf[pos:]))
		pos += sizeInt
		if length < 0 || !need(length+sizeByte) {
			return r, 0, false
		}
		r.payload = append([]byte(nil), buf[pos:pos+length]...)
		pos += length
	case commitRecord:
		if !need(sizeCommitRecord - sizeRecordHeader) {
			return r, 0, false
		}
		r.txID = int64(be.Uint64(buf[pos:]))
		pos += sizeLong
		var ok bool
		if r.files, pos, ok = getFileCounts(buf, pos); !ok || !need(sizeByte) {
			return r, 0, false
		}
	case rollbackRecord:
		if !need(sizeRollbackRecord - sizeRecordHeader) {
			return r, 0, false
		}
		r.txID = int64(be.Uint64(buf[pos:]))
		pos += sizeLong
	default:
		return r, 0, false
	}

	if buf[pos] != recordMarker {
		return r, 0, false
	}
	return r, pos + sizeByte, true
}

func encodeHeader(buf []byte, fileID int64) {
	copy(buf, fileMagic)
	binary.BigEndian.PutUint32(buf[4:], fileVersion)
	binary.BigEndian.PutUint64(buf[8:], uint64(fileID))
}

// decodeHeader returns the file id stored in a journal file header.
func decodeHeader(buf []byte) (int64, bool) {
	if len(buf) < sizeHeader || string(buf[:4]) != fileMagic {
		return 0, false
	}
	if binary.BigEndian.Uint32(buf[4:]) != fileVersion {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(buf[8:])), true
}
