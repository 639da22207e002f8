package parse

// smallHeaders holds pre-built "$<n>\r\n" / "*<n>\r\n" headers for
// small n so the hot encode path avoids formatting on every call,
// the same way itoaString below avoids going through fmt.Sprintf.
const smallHeaderMax = 64

var bulkHeaders [smallHeaderMax + 1][]byte
var multiHeaders [smallHeaderMax + 1][]byte

func init() {
	for i := 0; i <= smallHeaderMax; i++ {
		bulkHeaders[i] = []byte("$" + itoaString(i) + "\r\n")
		multiHeaders[i] = []byte("*" + itoaString(i) + "\r\n")
	}
}

func itoaString(n int) string {
	var b [20]byte
	l := appendInt(b[:], int64(n))
	return string(b[:l])
}

func appendBulkHeader(buf []byte, n int) []byte {
	if n >= 0 && n <= smallHeaderMax {
		return append(buf, bulkHeaders[n]...)
	}
	var hdr [1 + 20 + 2]byte
	hdr[0] = '$'
	l := appendInt(hdr[1:], int64(n))
	hdr[1+l], hdr[1+l+1] = '\r', '\n'
	return append(buf, hdr[:1+l+2]...)
}

func appendMultiHeader(buf []byte, n int) []byte {
	if n >= 0 && n <= smallHeaderMax {
		return append(buf, multiHeaders[n]...)
	}
	var hdr [1 + 20 + 2]byte
	hdr[0] = '*'
	l := appendInt(hdr[1:], int64(n))
	hdr[1+l], hdr[1+l+1] = '\r', '\n'
	return append(buf, hdr[:1+l+2]...)
}

// appendInt writes val's base-10 ASCII digits into dst starting at
// dst[0] and reports how many bytes it used. dst must have room for a
// full int64 including sign (20 bytes covers the worst case). Every
// header built above goes through this instead of strconv so encoding
// a request never allocates.
func appendInt(dst []byte, val int64) int {
	if val == 0 {
		dst[0] = '0'
		return 1
	}
	neg := val < 0
	if neg {
		val = -val
	}
	var digits [20]byte
	n := 0
	for val > 0 {
		digits[n] = byte('0' + val%10)
		val /= 10
		n++
	}
	pos := 0
	if neg {
		dst[0] = '-'
		pos = 1
	}
	for i := 0; i < n; i++ {
		dst[pos+i] = digits[n-1-i]
	}
	return pos + n
}

// EncodeCommand renders argv as a RESP multi-bulk request, appending to
// dst and returning the extended slice. This is what a backend link writes onto a
// backend link for every forwarded or fanned-out command.
func EncodeCommand(dst []byte, argv [][]byte) []byte {
	dst = appendMultiHeader(dst, len(argv))
	for _, arg := range argv {
		dst = appendBulkHeader(dst, len(arg))
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// EncodeCommandStrings is a convenience wrapper for literal commands
// built from Go string constants, e.g. local AUTH/SETNAME handshakes.
func EncodeCommandStrings(dst []byte, argv ...string) []byte {
	dst = appendMultiHeader(dst, len(argv))
	for _, arg := range argv {
		dst = appendBulkHeader(dst, len(arg))
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}
