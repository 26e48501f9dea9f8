package options

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	// OptionsFileName is the name of the encrypted options file.
	OptionsFileName = "options.enc"
	// KeyFileName holds the persistent key material for OptionsFileName.
	KeyFileName = ".options-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxKeyFileSize  = 4096
	maxOptionsSize  = 4 << 20
)

var errUnsafePath = errors.New("unsafe option persistence path")

// FileStore keeps all options in one AES-GCM encrypted file. Every Set
// rewrites the file atomically.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	key  []byte
	data map[string][]byte
}

// NewFileStore opens (or creates) the store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure data directory: %w", err)
	}
	material, err := ensureKey(dir)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte("extmgr-options-" + material))

	fs := &FileStore{dir: dir, key: sum[:], data: map[string][]byte{}}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) path() string {
	return filepath.Join(f.dir, OptionsFileName)
}

func (f *FileStore) load() error {
	ciphertext, err := readBoundedRegularFile(f.path(), maxOptionsSize)
	if isMissingPathError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read options file: %w", err)
	}
	plaintext, err := f.decrypt(ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt options file: %w", err)
	}
	if err := json.Unmarshal(plaintext, &f.data); err != nil {
		return fmt.Errorf("decode options file: %w", err)
	}
	return nil
}

func (f *FileStore) flushLocked() error {
	plaintext, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	ciphertext, err := f.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt options: %w", err)
	}
	if err := writeOwnerOnlyFileAtomic(f.path(), ciphertext); err != nil {
		return fmt.Errorf("write options file: %w", err)
	}
	return nil
}

func (f *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *FileStore) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func ensureKey(dir string) (string, error) {
	keyPath := filepath.Join(dir, KeyFileName)
	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file is empty", errUnsafePath)
		}
		return key, nil
	}
	if !isMissingPathError(err) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := hex.EncodeToString(raw)
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(key)); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
