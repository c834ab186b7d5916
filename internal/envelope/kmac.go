package envelope

import "golang.org/x/crypto/sha3"

// KMAC256 per NIST SP 800-185 §4, built on cSHAKE256.

const (
	kmacRate          = 136
	kmacCustomization = "tokaysec"
)

func kmac256(key []byte, outLen int, chunks ...[]byte) []byte {
	h := sha3.NewCShake256([]byte("KMAC"), []byte(kmacCustomization))
	h.Write(bytepad(encodeString(key), kmacRate))
	for _, c := range chunks {
		h.Write(c)
	}
	h.Write(rightEncode(uint64(outLen) * 8))
	out := make([]byte, outLen)
	h.Read(out)
	return out
}

func leftEncode(x uint64) []byte {
	b := bigEndian(x)
	return append([]byte{byte(len(b))}, b...)
}

func rightEncode(x uint64) []byte {
	b := bigEndian(x)
	return append(b, byte(len(b)))
}

func bigEndian(x uint64) []byte {
	n := 1
	for v := x >> 8; v > 0; v >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(x)
		x >>= 8
	}
	return b
}

func encodeString(s []byte) []byte {
	return append(leftEncode(uint64(len(s))*8), s...)
}

func bytepad(x []byte, w int) []byte {
	out := append(leftEncode(uint64(w)), x...)
	if pad := len(out) % w; pad != 0 {
		out = append(out, make([]byte, w-pad)...)
	}
	return out
}
