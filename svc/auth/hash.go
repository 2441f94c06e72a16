package auth

import (
	"codeshare/svc/util"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxSecretLength   = 1024
	defaultMinVerify  = 350 * time.Millisecond
	hashQueueTimeout  = 5 * time.Second
	dummyEncodedToken = "$argon2id$v=19$m=1024,t=1,p=1$ZHVtbXlzYWx0$ZHVtbXloYXNo"
)

var (
	ErrHasherNotStarted = errors.New("hasher not started")
	ErrHasherStopping   = errors.New("hasher is shutting down")
)

// Hasher produces peppered argon2id hashes of edit tokens on a bounded
// worker pool so bursts of anonymous creates cannot exhaust memory.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	minVerify   time.Duration
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	secret string
	resp   chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		minVerify:   defaultMinVerify,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetMinVerifyDuration changes the floor applied to Verify. Zero disables it.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) {
	h.minVerify = d
}
func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.secret)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}
func (h *Hasher) Hash(secret string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrHasherNotStarted
	}
	if len(secret) > maxSecretLength {
		return "", errors.New("secret too long")
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), hashQueueTimeout)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{secret: secret, resp: respChan}:
	case <-ctx.Done():
		return "", errors.New("hash queue full")
	case <-h.quit:
		return "", ErrHasherStopping
	}
	select {
	case res := <-respChan:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.New("hash timeout")
	case <-h.quit:
		return "", ErrHasherStopping
	}
}
func (h *Hasher) doHash(secret string) (string, error) {
	peppered := h.applyPepper(secret)
	if peppered == nil {
		return "", ErrHasherStopping
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify reports whether secret matches encoded. The second result is true
// when encoded was produced with parameters other than the current ones.
// Every call takes at least the configured minimum duration.
func (h *Hasher) Verify(secret, encoded string) (bool, bool, error) {
	start := time.Now()
	var match, needsRehash bool
	var err error
	if len(secret) > maxSecretLength {
		h.verifyInternal(strings.Repeat("x", 32), dummyEncodedToken)
	} else {
		match, needsRehash, err = h.verifyInternal(secret, encoded)
	}
	if elapsed := time.Since(start); elapsed < h.minVerify {
		time.Sleep(h.minVerify - elapsed)
	}
	return match, needsRehash, err
}
func (h *Hasher) verifyInternal(secret, encoded string) (bool, bool, error) {
	mem, iters, threads := h.memory, h.iterations, h.parallelism
	salt := make([]byte, 16)
	hash := make([]byte, 32)
	valid := false
	parts := strings.Split(encoded, "$")
	if len(parts) == 6 && parts[0] == "" && parts[1] == "argon2id" {
		var m, t uint32
		var p uint8
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err == nil &&
			m >= 1024 && m <= 2*1024*1024 && t > 0 && t <= 1000 && p > 0 && p <= 128 {
			s, serr := base64.RawStdEncoding.DecodeString(parts[4])
			k, kerr := base64.RawStdEncoding.DecodeString(parts[5])
			if serr == nil && kerr == nil && len(s) > 0 && len(k) > 0 && len(k) <= 256 {
				mem, iters, threads = m, t, p
				salt, hash = s, k
				valid = true
			}
		}
	}
	defer util.Wipe(hash)
	defer util.Wipe(salt)
	peppered := h.applyPepper(secret)
	if peppered == nil {
		return false, false, ErrHasherStopping
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(other)
	match := subtle.ConstantTimeCompare(hash, other) == 1
	if !valid || !match {
		return false, false, nil
	}
	return true, mem != h.memory || iters != h.iterations || threads != h.parallelism, nil
}
func (h *Hasher) applyPepper(secret string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}
