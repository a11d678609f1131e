package ext4

import (
	"golang.org/x/crypto/md4"
)

// HalfMD4 given an input set of bytes, create the "half-md4 hash" used
// by ext4 to calculate keys in the hash tree directory format.
// It is a normal md4 hash, which is then "converted down"
func HalfMD4(in []byte) ([]byte, error) {
	h := md4.New()
	if _, err := h.Write(in); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
