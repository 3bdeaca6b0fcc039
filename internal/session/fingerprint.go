package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Fingerprint is the device identity a session presents upstream.
type Fingerprint struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	Platform       string `json:"platform"`
	BrowserVersion string `json:"browser_version"`
}

var (
	platforms    = []string{"Windows", "macOS", "Linux"}
	deviceNames  = []string{"Chrome", "Edge", "Firefox", "Safari", "Opera"}
	majorVersion = []int{118, 119, 120, 121, 122, 123, 124}
)

// DeriveFingerprint returns the fingerprint of a chip for a rotation epoch. The same
// (chip, epoch) pair always yields the same fingerprint.
func DeriveFingerprint(chipID uuid.UUID, epoch int) Fingerprint {
	var buf [24]byte
	copy(buf[:16], chipID[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(epoch))
	sum := sha256.Sum256(buf[:])

	pick := func(i, n int) int { return int(sum[i]) % n }
	return Fingerprint{
		DeviceID:       hex.EncodeToString(sum[:16]),
		DeviceName:     deviceNames[pick(16, len(deviceNames))],
		Platform:       platforms[pick(17, len(platforms))],
		BrowserVersion: fmt.Sprintf("%d.0.%d.%d", majorVersion[pick(18, len(majorVersion))], 6000+int(sum[19])*10, int(sum[20])),
	}
}
