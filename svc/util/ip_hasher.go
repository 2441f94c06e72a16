package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher turns viewer addresses into keyed hashes. Keys are derived from
// the pepper per epoch, so a stored hash cannot be linked to an address once
// its epoch has rotated out.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	now              func() time.Time
	mu               sync.RWMutex
	currentKey       []byte
	previousKey      []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopped          bool
}

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	h, err := newIPHasher(pepper, rotationInterval, time.Now)
	if err != nil {
		return nil, err
	}
	go h.rotationLoop()
	return h, nil
}
func newIPHasher(pepper []byte, rotationInterval time.Duration, now func() time.Time) (*IPHasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		pepper:           make([]byte, len(pepper)),
		now:              now,
		stopChan:         make(chan struct{}),
	}
	copy(h.pepper, pepper)
	h.rotate(h.getEpoch(now()))
	return h, nil
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	return hashWithKey(ip, h.currentKey, h.currentEpoch), nil
}

// VerifyIPHash accepts hashes from the current or the previous epoch.
func (h *IPHasher) VerifyIPHash(ip, hashStr string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false, ErrHasherStopped
	}
	current := hashWithKey(ip, h.currentKey, h.currentEpoch)
	if hmac.Equal([]byte(current), []byte(hashStr)) {
		return true, nil
	}
	if h.previousKey != nil {
		prev := hashWithKey(ip, h.previousKey, h.currentEpoch-1)
		if hmac.Equal([]byte(prev), []byte(hashStr)) {
			return true, nil
		}
	}
	return false, nil
}
func hashWithKey(ip string, key []byte, epoch int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("hmac-sha256:%d:%s", epoch, hex.EncodeToString(mac.Sum(nil)))
}
func (h *IPHasher) getEpoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}
func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(fmt.Sprintf("ip-hasher-v1:%d", epoch)))
	return mac.Sum(nil)
}
func (h *IPHasher) rotate(epoch int64) {
	current := h.deriveKey(epoch)
	previous := h.deriveKey(epoch - 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	Wipe(h.currentKey, h.previousKey)
	h.currentKey = current
	h.previousKey = previous
	h.currentEpoch = epoch
}
func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			epoch := h.getEpoch(h.now())
			h.mu.RLock()
			changed := epoch != h.currentEpoch && !h.stopped
			h.mu.RUnlock()
			if changed {
				h.rotate(epoch)
				Debug().Int64("epoch", epoch).Msg("rotated IP hasher keys")
			}
		}
	}
}
func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	Wipe(h.currentKey, h.previousKey, h.pepper)
	h.currentKey = nil
	h.previousKey = nil
	h.pepper = nil
}
