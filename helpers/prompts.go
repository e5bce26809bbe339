package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

func GetPassphrase(prefix string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s passphrase: ", prefix)
	passphrase, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return nil, err
	}
	return passphrase, nil
}

func GetPassphraseConfirm(prefix string) ([]byte, error) {
	passphrase1, err := GetPassphrase(prefix)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "%s passphrase (confirm): ", prefix)
	passphrase2, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(passphrase1, passphrase2) {
		return nil, errors.New("passphrases mismatch")
	}
	return passphrase1, nil
}

// GetPassphraseFromFile reads a passphrase from a key file, stripping
// a single trailing newline so files written by editors work as is.
func GetPassphraseFromFile(pathname string) ([]byte, error) {
	buf, err := os.ReadFile(pathname)
	if err != nil {
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte("\n"))
	buf = bytes.TrimSuffix(buf, []byte("\r"))
	if len(buf) == 0 {
		return nil, errors.New("empty key file")
	}
	return buf, nil
}
