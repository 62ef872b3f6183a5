package enginecache

// Package enginecache stores serialized inference engines on disk.
// A compiled engine is only valid for the GPU architecture and runtime version
// it was built against, so every cache file embeds a tag that is checked on
// load. A mismatch means "rebuild", never "use anyway".
//
// File layout: magic, format version, header length, JSON header (the Tag plus
// a payload checksum), then the opaque serialized engine.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var magic = [4]byte{'P', 'G', 'E', 'N'}

const formatVersion = 1

// ErrMismatch means the cache file was built for a different runtime version,
// GPU architecture, network or precision. Callers recover by rebuilding.
var ErrMismatch = errors.New("engine cache tag mismatch")

// ErrCorrupt means the file is damaged or not an engine cache file at all
var ErrCorrupt = errors.New("engine cache file is corrupt")

// Tag identifies the exact configuration a serialized engine was built for
type Tag struct {
	RuntimeVersion string `json:"runtimeVersion"` // eg "10.3.0"
	DeviceArch     string `json:"deviceArch"`     // eg "sm_86"
	DescriptorHash string `json:"descriptorHash"` // hash of the network description + shape profile
	Precision      string `json:"precision"`      // "fp32" or "fp16"
}

type header struct {
	Tag
	PayloadSHA256 string `json:"payloadSHA256"`
}

// PathFor returns the cache file path for a tag. One file per
// (descriptor hash, precision, device architecture) tuple.
func PathFor(dir string, tag Tag) string {
	hash := tag.DescriptorHash
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return filepath.Join(dir, fmt.Sprintf("%v_%v_%v.engine", hash, tag.Precision, tag.DeviceArch))
}

// Write atomically persists a serialized engine
func Write(path string, tag Tag, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	headerJSON, err := json.Marshal(header{
		Tag:           tag,
		PayloadSHA256: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return err
	}
	buf := bytes.Buffer{}
	buf.Write(magic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(formatVersion))
	binary.Write(&buf, binary.LittleEndian, uint32(len(headerJSON)))
	buf.Write(headerJSON)
	buf.Write(payload)

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Read loads a serialized engine, verifying that its tag matches 'want'.
// Returns ErrMismatch if the engine was built for a different configuration,
// ErrCorrupt if the file is damaged, or the os.Open error (eg not-exist).
func Read(path string, want Tag) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 || !bytes.Equal(raw[:4], magic[:]) {
		return nil, ErrCorrupt
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version != formatVersion {
		// An old format is a stale cache, not corruption
		return nil, fmt.Errorf("%w: format version %v", ErrMismatch, version)
	}
	headerLen := int(binary.LittleEndian.Uint32(raw[8:12]))
	if 12+headerLen > len(raw) {
		return nil, ErrCorrupt
	}
	head := header{}
	if err := json.Unmarshal(raw[12:12+headerLen], &head); err != nil {
		return nil, ErrCorrupt
	}
	if head.Tag != want {
		return nil, fmt.Errorf("%w: have %+v, want %+v", ErrMismatch, head.Tag, want)
	}
	payload := raw[12+headerLen:]
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != head.PayloadSHA256 {
		return nil, ErrCorrupt
	}
	return payload, nil
}
