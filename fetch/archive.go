package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// providerArchiveMagic prefixes a signed provider archive: the outer
// signature, then a gzipped tar of the native binary plus metadata.
var providerArchiveMagic = []byte("WCPAR1\x00\x00")

// isProviderArchive reports whether data carries the signed-archive
// magic; the fetcher classifies artifacts by content, not by the
// reference that produced them.
func isProviderArchive(data []byte) bool {
	return len(data) >= len(providerArchiveMagic) && bytes.Equal(data[:len(providerArchiveMagic)], providerArchiveMagic)
}

// unpackProviderArchive verifies the outer ed25519 signature on a
// signed provider archive and unpacks the gzipped tar payload into a
// fresh directory, returning its path.
func unpackProviderArchive(ref string, raw []byte) (string, error) {
	if len(raw) < len(providerArchiveMagic)+ed25519.SignatureSize+ed25519.PublicKeySize+4 {
		return "", errors.New("archive too small")
	}
	if !bytes.Equal(raw[:len(providerArchiveMagic)], providerArchiveMagic) {
		return "", errors.New("missing provider archive magic")
	}
	off := len(providerArchiveMagic)
	pub := ed25519.PublicKey(raw[off : off+ed25519.PublicKeySize])
	off += ed25519.PublicKeySize
	sig := raw[off : off+ed25519.SignatureSize]
	off += ed25519.SignatureSize
	payloadLen := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	if uint32(len(raw)-off) < payloadLen {
		return "", errors.New("archive payload truncated")
	}
	payload := raw[off : off+int(payloadLen)]
	if !ed25519.Verify(pub, payload, sig) {
		return "", errors.New("signature verification failed")
	}

	dir, err := os.MkdirTemp("", "wasmcloud-provider-*")
	if err != nil {
		return "", err
	}
	if err := untar(payload, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func untar(gzData []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(gzData))
	if err != nil {
		return errors.Wrap(err, "gunzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "untar")
		}
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !isWithinDir(dest, target) {
			return errors.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !bytes.HasPrefix([]byte(rel), []byte(".."+string(filepath.Separator)))
}

// VerifyUnpacked re-scans an unpacked provider directory with a
// recursive walk (the same library the fetch cache uses to list its
// keys) and returns the first regular file found as the executable
// path, failing only when the directory holds no files. It does not
// check that the file is alone or sits at the root; with several files
// the walk is unsorted, so which one is returned is not defined.
// Called by the provider supervisor to resolve the
// executable path before launching the child process.
func VerifyUnpacked(dir string) (binaryPath string, err error) {
	var found []string
	walkErr := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() {
				found = append(found, path)
			}
			return nil
		},
		Unsorted: true,
	})
	if walkErr != nil {
		return "", errors.Wrap(walkErr, "verify unpacked provider")
	}
	if len(found) == 0 {
		return "", errors.New("provider archive contains no files")
	}
	return found[0], nil
}

func extractClaimsSection(wasm []byte) ([]byte, error) {
	// WebAssembly custom sections are id=0 followed by a name-prefixed
	// payload; the claims JWT lives in the custom section named
	// "jwt". Absence of the section is not an error -- not every
	// component carries embedded claims.
	const customSectionID = 0
	if len(wasm) < 8 || string(wasm[:4]) != "\x00asm" {
		return nil, fmt.Errorf("not a wasm binary")
	}
	buf := wasm[8:]
	for len(buf) > 0 {
		id := buf[0]
		buf = buf[1:]
		size, n := readULEB128(buf)
		if n == 0 {
			break
		}
		buf = buf[n:]
		if len(buf) < int(size) {
			break
		}
		section := buf[:size]
		buf = buf[size:]
		if id != customSectionID {
			continue
		}
		nameLen, n := readULEB128(section)
		if n == 0 {
			continue
		}
		name := string(section[n : n+int(nameLen)])
		if name == "jwt" {
			return section[n+int(nameLen):], nil
		}
	}
	return nil, nil
}

func readULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	for i, by := range b {
		result |= uint64(by&0x7f) << shift
		if by&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
		if shift > 63 {
			return 0, 0
		}
	}
	return 0, 0
}
