package cryptoring

import "encoding/binary"

// MaxAadLen and MaxAadField bound the additional authenticated data accepted
// by Encrypt/Decrypt and by BuildAAD respectively.
const (
	MaxAadLen   = 8 * 1024
	MaxAadField = 1024
)

// BuildAAD constructs the length-prefixed AAD blob bound into every envelope:
// u16 len(appNS) | appNS | u16 len(storeName) | storeName | u32 schemaVersion
// | u8 userFlag | (u16 len(userID) | userID if flag=1).
func BuildAAD(appNS, storeName string, schemaVersion uint32, userID *string) ([]byte, error) {
	if err := validateAadField("app_ns", appNS); err != nil {
		return nil, err
	}
	if err := validateAadField("store_name", storeName); err != nil {
		return nil, err
	}
	if userID != nil {
		if err := validateAadField("user_id", *userID); err != nil {
			return nil, err
		}
	}

	capacity := 2 + len(appNS) + 2 + len(storeName) + 4 + 1
	if userID != nil {
		capacity += 2 + len(*userID)
	}

	out := make([]byte, 0, capacity)
	out = appendU16Prefixed(out, appNS)
	out = appendU16Prefixed(out, storeName)

	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], schemaVersion)
	out = append(out, verBuf[:]...)

	if userID == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = appendU16Prefixed(out, *userID)
	}

	return out, nil
}

func appendU16Prefixed(dst []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

func validateAadField(name, value string) error {
	if len(value) > MaxAadField {
		return newErr(ErrAadFieldTooLarge, "aad field %s has %d bytes > %d", name, len(value), MaxAadField)
	}
	return nil
}
