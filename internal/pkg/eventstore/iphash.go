package eventstore

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashIP returns a keyed one-way hash of ip, or nil when either input is empty.
func HashIP(salt, ip string) *string {
	salt = strings.TrimSpace(salt)
	ip = strings.TrimSpace(ip)
	if salt == "" || ip == "" {
		return nil
	}
	key := blake2b.Sum256([]byte(salt))
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil
	}
	h.Write([]byte(ip))
	sum := hex.EncodeToString(h.Sum(nil))
	return &sum
}
