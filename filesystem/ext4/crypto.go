package ext4

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// deriveInodeKeyNonce computes the per-inode key-scheduling nonce fscrypt
// derives from the filesystem's encryption salt and checksum seed before an
// inode's content key is ever scheduled. No block cipher is implemented
// here: this is key scheduling only, grounded on the encryptionSalt and
// checksumSeed superblock fields the teacher already parses but never used.
func (fs *FileSystem) deriveInodeKeyNonce(inodeNumber uint32) ([]byte, error) {
	sb := fs.superblock
	if len(sb.encryptionSalt) == 0 {
		return nil, fmt.Errorf("ext4: filesystem has no encryption salt set")
	}
	info := make([]byte, 4)
	info[0] = byte(inodeNumber)
	info[1] = byte(inodeNumber >> 8)
	info[2] = byte(inodeNumber >> 16)
	info[3] = byte(inodeNumber >> 24)

	seed := make([]byte, 4)
	seed[0] = byte(sb.checksumSeed)
	seed[1] = byte(sb.checksumSeed >> 8)
	seed[2] = byte(sb.checksumSeed >> 16)
	seed[3] = byte(sb.checksumSeed >> 24)

	r := hkdf.New(sha256.New, seed, sb.encryptionSalt, info)
	nonce := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("ext4: deriving inode key nonce: %w", err)
	}
	return nonce, nil
}

// scheduleInodeKeyIfEncrypted derives and logs (at Debug) a key-scheduling
// nonce for in if its flags mark it as an encrypted inode. It is a no-op
// otherwise. Called once, right after an inode is first written, mirroring
// where fscrypt would hand the derived key off to the content cipher.
func (fs *FileSystem) scheduleInodeKeyIfEncrypted(in *inode) error {
	if in.flags == nil || !in.flags.encryptedInode {
		return nil
	}
	nonce, err := fs.deriveInodeKeyNonce(uint32(in.number))
	if err != nil {
		return fmt.Errorf("ext4: scheduling key for inode %d: %w", in.number, err)
	}
	logrus.Debugf("ext4: scheduled key nonce for encrypted inode %d (%d bytes)", in.number, len(nonce))
	return nil
}
