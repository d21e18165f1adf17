package blob

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LocalStore keeps blobs as files under a root directory and signs URLs
// with an HMAC so the download route can serve them without a session.
// Suitable for single-node deployments and development.
type LocalStore struct {
	root       string
	signingKey []byte
	publicBase string // e.g. "https://gateway.example.com"
	logger     *zap.Logger
}

// NewLocalStore creates the store, the root directory included. publicBase
// is the externally reachable base URL signed links are built on.
// signingKey may be empty, in which case a random key is generated; signed
// URLs then stop verifying across restarts, which is acceptable for dev.
func NewLocalStore(root, publicBase string, signingKey []byte, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", root, err)
	}
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, fmt.Errorf("blob: generate signing key: %w", err)
		}
		logger.Warn("blob: no signing key configured, signed URLs will not survive a restart")
	}
	return &LocalStore{
		root:       root,
		signingKey: signingKey,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger.Named("blob"),
	}, nil
}

// path maps a blob key onto the filesystem, refusing keys that would
// escape the root.
func (s *LocalStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}

	// Write to a temp file first so a failed upload never leaves a
	// half-written blob behind the final key.
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("blob: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, fmt.Errorf("blob: finalize %s: %w", key, err)
	}
	return n, nil
}

// Open implements Store.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	return f, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

// SignedURL implements Store. The link embeds the expiry instant and an
// HMAC over key and expiry, verified by VerifySignedPath when the download
// route serves it.
func (s *LocalStore) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	sig := s.sign(key, expires)
	return fmt.Sprintf("%s/api/v1/files/blob/%s?expires=%s&signature=%s",
		s.publicBase, key, expires, sig), nil
}

// VerifySignedPath implements Store.
func (s *LocalStore) VerifySignedPath(key, expires, signature string) (string, error) {
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Now().Unix() > unix {
		return "", errors.New("blob: signed URL expired")
	}
	if !hmac.Equal([]byte(s.sign(key, expires)), []byte(signature)) {
		return "", errors.New("blob: signature mismatch")
	}
	if _, err := s.path(key); err != nil {
		return "", err
	}
	return key, nil
}

// Ping implements Store: the root must exist and be writable.
func (s *LocalStore) Ping(ctx context.Context) error {
	probe := filepath.Join(s.root, ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("blob: root %s not writable: %w", s.root, err)
	}
	return os.Remove(probe)
}

func (s *LocalStore) sign(key, expires string) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(expires))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
