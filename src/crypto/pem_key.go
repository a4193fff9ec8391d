package crypto

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sync"
)

const (
	pemKeyPath = "priv_key.pem"
)

// PemKey manages the node's identity key file.
type PemKey struct {
	l    sync.Mutex
	path string
}

// NewPemKey returns a PemKey rooted at the given base directory.
func NewPemKey(base string) *PemKey {
	pemKey := &PemKey{
		path: filepath.Join(base, pemKeyPath),
	}

	return pemKey
}

// ReadKey reads the private key from the key file.
func (k *PemKey) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	buf, err := ioutil.ReadFile(k.path)

	if err != nil {
		return nil, err
	}

	return k.ReadKeyFromBuf(buf)
}

// ReadKeyFromBuf parses a private key from raw PEM data.
func (k *PemKey) ReadKeyFromBuf(buf []byte) (*ecdsa.PrivateKey, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	block, _ := pem.Decode(buf)

	if block == nil {
		return nil, fmt.Errorf("error decoding PEM block from data")
	}

	return x509.ParseECPrivateKey(block.Bytes)
}

// WriteKey writes the private key to the key file, creating the base
// directory if necessary.
func (k *PemKey) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	data, err := x509.MarshalECPrivateKey(key)

	if err != nil {
		return err
	}

	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: data,
	}

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.path, pem.EncodeToMemory(block), 0600)
}
