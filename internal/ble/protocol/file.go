package protocol

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// File transfers are three kinds of writes to the file characteristic: one
// header naming the file, the raw data chunks, then the trailer.
const (
	FileNamePrefix = "FILENAME:"
	EOFMarker      = "EOF"
)

// DefaultChunkSize leaves headroom below MaxPayloadBytes for stacks that
// negotiate a smaller MTU.
const DefaultChunkSize = 180

// listTimeLayout is the modification time format of a file listing entry.
const listTimeLayout = "2006-01-02 15:04:05"

// FileHeader returns the header write announcing a file. Only the base name
// is sent; the device stores files flat.
func FileHeader(path string) []byte {
	return []byte(FileNamePrefix + filepath.Base(path))
}

// FileTrailer returns the write that closes the file on the device.
func FileTrailer() []byte {
	return []byte(EOFMarker)
}

// ChunkCount returns how many chunks of chunkSize a file of size bytes needs.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkChecksum returns the digest the device reports for the last chunk it
// stored.
func ChunkChecksum(chunk []byte) []byte {
	sum := sha1.Sum(chunk)
	return sum[:]
}

// VerifyChunk compares the digest read back from the device with chunk.
func VerifyChunk(chunk, reported []byte) error {
	if want := ChunkChecksum(chunk); !bytes.Equal(want, reported) {
		return fmt.Errorf("protocol: chunk checksum mismatch: device %x, local %x", reported, want)
	}
	return nil
}

// RemoteFile is one entry of the device's file listing.
type RemoteFile struct {
	Name     string
	Modified time.Time
}

// ParseFileList decodes the list-files characteristic value: one
// "name::YYYY-MM-DD HH:MM:SS" entry per line, in device local time.
// The device reports failures as a single "Error: ..." line.
func ParseFileList(data []byte) ([]RemoteFile, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "Error:") {
		return nil, fmt.Errorf("protocol: device listing failed: %s", strings.TrimSpace(strings.TrimPrefix(text, "Error:")))
	}

	var files []RemoteFile
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, stamp, ok := strings.Cut(line, "::")
		if !ok {
			return nil, fmt.Errorf("protocol: malformed listing entry %q", line)
		}
		mod, err := time.ParseInLocation(listTimeLayout, stamp, time.Local)
		if err != nil {
			return nil, fmt.Errorf("protocol: listing entry %q: %w", line, err)
		}
		files = append(files, RemoteFile{Name: name, Modified: mod})
	}
	return files, nil
}

// PlayRequest encodes a request to play name starting offset into the file.
// The device accepts whole seconds only.
func PlayRequest(name string, offset time.Duration) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("protocol: play request needs a file name")
	}
	if strings.Contains(name, ":") {
		return nil, fmt.Errorf("protocol: file name %q must not contain ':'", name)
	}
	if offset <= 0 {
		return []byte(name), nil
	}
	return []byte(name + ":" + strconv.Itoa(int(offset/time.Second))), nil
}

// DeleteRequest encodes a request to delete name on the device.
func DeleteRequest(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("protocol: delete request needs a file name")
	}
	return []byte(name), nil
}
