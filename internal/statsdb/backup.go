package statsdb

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Backup file layout:
//
//	magic "TPNB\x01" | salt (16) | nonce (12) | AES-256-GCM(sqlite image)
//
// The key is Argon2id(password, salt).
var backupMagic = []byte("TPNB\x01")

const (
	backupSaltSize  = 16
	backupNonceSize = 12
)

var ErrBadBackup = errors.New("statsdb: not an encrypted backup")

func backupKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}

func backupAEAD(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(backupKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("statsdb: backup cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("statsdb: backup gcm: %w", err)
	}
	return aead, nil
}

// WriteBackup snapshots the database and writes it to w encrypted with password.
func (s *Store) WriteBackup(ctx context.Context, w io.Writer, password string) error {
	if password == "" {
		return fmt.Errorf("statsdb: backup password is empty")
	}

	dir, err := os.MkdirTemp("", "panel-backup-")
	if err != nil {
		return fmt.Errorf("statsdb: backup temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snap := filepath.Join(dir, "snapshot.db")
	if err := s.Snapshot(ctx, snap); err != nil {
		return err
	}
	image, err := os.ReadFile(snap)
	if err != nil {
		return fmt.Errorf("statsdb: read snapshot: %w", err)
	}
	return sealBackup(w, image, password)
}

func sealBackup(w io.Writer, plaintext []byte, password string) error {
	header := make([]byte, len(backupMagic)+backupSaltSize+backupNonceSize)
	copy(header, backupMagic)
	salt := header[len(backupMagic) : len(backupMagic)+backupSaltSize]
	nonce := header[len(backupMagic)+backupSaltSize:]
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("statsdb: backup salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("statsdb: backup nonce: %w", err)
	}

	aead, err := backupAEAD(password, salt)
	if err != nil {
		return err
	}
	// The header is authenticated as additional data.
	sealed := aead.Seal(nil, nonce, plaintext, header)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("statsdb: write backup header: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("statsdb: write backup body: %w", err)
	}
	return nil
}

// OpenBackup decrypts a backup produced by WriteBackup and returns the
// SQLite database image.
func OpenBackup(data []byte, password string) ([]byte, error) {
	headerLen := len(backupMagic) + backupSaltSize + backupNonceSize
	if len(data) < headerLen || !bytes.HasPrefix(data, backupMagic) {
		return nil, ErrBadBackup
	}
	header := data[:headerLen]
	salt := header[len(backupMagic) : len(backupMagic)+backupSaltSize]
	nonce := header[len(backupMagic)+backupSaltSize:]

	aead, err := backupAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, data[headerLen:], header)
	if err != nil {
		return nil, fmt.Errorf("statsdb: decrypt backup (wrong password?): %w", err)
	}
	return plaintext, nil
}
