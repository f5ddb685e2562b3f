package diagnostics

import (
	"encoding/hex"
	"fmt"
	"os"
)

// keyLogWriter appends NSS SSLKEYLOGFILE-format lines, one per
// completed handshake, flushing after every write.
type keyLogWriter struct {
	f *os.File
}

func newKeyLogWriter(path string) (*keyLogWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: opening key log: %w", err)
	}
	return &keyLogWriter{f: f}, nil
}

func (w *keyLogWriter) WriteEntry(clientRandom [32]byte, masterSecret [48]byte) error {
	line := fmt.Sprintf("CLIENT_RANDOM %s %s\n", hex.EncodeToString(clientRandom[:]), hex.EncodeToString(masterSecret[:]))
	if _, err := w.f.WriteString(line); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *keyLogWriter) Close() error { return w.f.Close() }
