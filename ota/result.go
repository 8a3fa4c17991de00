package ota

// Result is the OTA engine's flat, closed error enumeration. It
// implements error so callers can use it directly in error-handling
// code, but callers that want to distinguish local recovery from a
// fatal stream abort should compare against ResultOK/ResultIgnore
// rather than nil-checking.
type Result uint8

const (
	// ResultOK indicates the block was processed with no error.
	ResultOK Result = iota
	// ResultIgnore indicates a local-recovery outcome: file-container
	// blocks, scheme-irrelevant blocks, and payload-less metadata
	// blocks. The caller continues feeding blocks.
	ResultIgnore
	// ResultMagic indicates a block failed magic validation.
	ResultMagic
	// ResultFamily indicates a missing family-ID flag or a mismatched
	// family ID.
	ResultFamily
	// ResultSeqMismatch indicates block_seq did not equal ctx.seq.
	ResultSeqMismatch
	// ResultNotHeader indicates the first block lacked has_tags, had
	// file_container set, or len != 0.
	ResultNotHeader
	// ResultOtaVer indicates the header's tag set lacked OTA_FORMAT_2.
	ResultOtaVer
	// ResultPartUnset indicates a data block arrived before any
	// OTA_PART_INFO tag declared a target partition.
	ResultPartUnset
	// ResultPart404 indicates OTA_PART_INFO resolved to a name not
	// present in the partition table.
	ResultPart404
	// ResultPartInvalid indicates an OTA_PART_INFO index outside
	// [0,6] or a name index past the NUL-terminated names present.
	ResultPartInvalid
	// ResultOtaWrong indicates OTA_PART_LIST carried a zero nibble
	// for this device's scheme.
	ResultOtaWrong
	// ResultEraseFailed indicates the flash device's Erase call
	// returned an error.
	ResultEraseFailed
	// ResultWriteFailed indicates the flash device's Write call
	// returned an error, or a bounds/binpatch check failed.
	ResultWriteFailed
	// ResultWriteLength indicates the flash device's Write call
	// accepted fewer bytes than offered.
	ResultWriteLength
)

var resultNames = map[Result]string{
	ResultOK:          "ok",
	ResultIgnore:      "ignore",
	ResultMagic:       "bad magic",
	ResultFamily:      "family id mismatch",
	ResultSeqMismatch: "block sequence mismatch",
	ResultNotHeader:   "first block is not a valid header",
	ResultOtaVer:      "missing OTA_FORMAT_2 tag",
	ResultPartUnset:   "data block before partition declared",
	ResultPart404:     "partition name not found",
	ResultPartInvalid: "invalid partition index",
	ResultOtaWrong:    "no data in stream for this device's scheme",
	ResultEraseFailed: "flash erase failed",
	ResultWriteFailed: "flash write failed",
	ResultWriteLength: "flash write accepted fewer bytes than offered",
}

// Error implements error.
func (r Result) Error() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "ota: unknown result"
}

// Fatal reports whether r must abort and dispose the stream, per the
// engine's error-handling policy: only ResultOK and ResultIgnore are
// local-recovery outcomes.
func (r Result) Fatal() bool {
	return r != ResultOK && r != ResultIgnore
}
