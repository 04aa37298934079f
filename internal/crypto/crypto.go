// Package crypto encrypts strings and files with AES.
//
// The CBC helpers take caller-supplied keys and IVs. Sealer derives its own
// key from a master secret and authenticates what it encrypts.
package crypto

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrKeySize is returned for keys that are not 16, 24 or 32 bytes.
	ErrKeySize = errors.New("key must be 16, 24 or 32 bytes")
	// ErrIVSize is returned for IVs that are not one AES block.
	ErrIVSize = errors.New("iv must be 16 bytes")
	// ErrPadding is returned when decrypted data has invalid padding,
	// which usually means a wrong key or IV.
	ErrPadding = errors.New("invalid padding")
)

func newCBC(key, iv []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrIVSize
	}
	return aes.NewCipher(key)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}

// EncryptString encrypts plain with AES-CBC and returns base64 text.
func EncryptString(plain string, key, iv []byte) (string, error) {
	block, err := newCBC(key, iv)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	buf := pad([]byte(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecryptString reverses EncryptString.
func DecryptString(cipherText string, key, iv []byte) (string, error) {
	block, err := newCBC(key, iv)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	buf, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	if len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return "", fmt.Errorf("decryption failed: %w", ErrPadding)
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, buf)
	out, err := unpad(buf)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(out), nil
}

const fileChunk = 64 * aes.BlockSize * 64

// EncryptFile streams inPath through AES-CBC into outPath.
func EncryptFile(inPath, outPath string, key, iv []byte) error {
	block, err := newCBC(key, iv)
	if err != nil {
		return fmt.Errorf("file encryption failed: %w", err)
	}
	return transformFile(inPath, outPath, func(r io.Reader, w io.Writer) error {
		return encryptStream(cipher.NewCBCEncrypter(block, iv), r, w)
	})
}

// DecryptFile reverses EncryptFile.
func DecryptFile(inPath, outPath string, key, iv []byte) error {
	block, err := newCBC(key, iv)
	if err != nil {
		return fmt.Errorf("file decryption failed: %w", err)
	}
	return transformFile(inPath, outPath, func(r io.Reader, w io.Writer) error {
		return decryptStream(cipher.NewCBCDecrypter(block, iv), r, w)
	})
}

func transformFile(inPath, outPath string, fn func(io.Reader, io.Writer) error) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", inPath, err)
	}
	defer in.Close()

	tmp := outPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", outPath, err)
	}
	w := bufio.NewWriter(out)
	if err := fn(bufio.NewReader(in), w); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, outPath)
}

func encryptStream(mode cipher.BlockMode, r io.Reader, w io.Writer) error {
	buf := make([]byte, fileChunk)
	for {
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			mode.CryptBlocks(buf, buf)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			last := pad(buf[:n:n])
			mode.CryptBlocks(last, last)
			_, err := w.Write(last)
			return err
		default:
			return err
		}
	}
}

func decryptStream(mode cipher.BlockMode, r io.Reader, w io.Writer) error {
	// Hold back the most recent chunk so the padding can be stripped
	// from the final one.
	var pending []byte
	buf := make([]byte, fileChunk)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return fmt.Errorf("file decryption failed: %w", ErrPadding)
			}
			if pending != nil {
				if _, err := w.Write(pending); err != nil {
					return err
				}
			}
			chunk := make([]byte, n)
			mode.CryptBlocks(chunk, buf[:n])
			pending = chunk
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	last, err := unpad(pending)
	if err != nil {
		return fmt.Errorf("file decryption failed: %w", err)
	}
	_, err = w.Write(last)
	return err
}
