package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archiver/v3"
	"github.com/mkmueller/aes256"
	"github.com/orcastor/s3gw/core"
	"github.com/tjfoc/gmsm/sm4"
	"github.com/zeebo/xxh3"
)

const (
	DATA_CMPR_SNAPPY = 1 << iota
	DATA_CMPR_ZSTD
	_
	_
	DATA_ENDEC_AES256
	DATA_ENDEC_SM4

	DATA_CMPR_MASK  = DATA_CMPR_SNAPPY | DATA_CMPR_ZSTD
	DATA_ENDEC_MASK = DATA_ENDEC_AES256 | DATA_ENDEC_SM4
)

// Codec turns plain chunks into stored chunks: compress, then encrypt,
// then prefix an xxh3 checksum of the stored bytes.
type Codec struct {
	kind  uint32
	level int
	key   string
}

func NewCodec(cfg core.CodecConfig) (*Codec, error) {
	c := &Codec{level: cfg.Level, key: cfg.Key}
	switch cfg.Compress {
	case "":
	case "snappy":
		c.kind |= DATA_CMPR_SNAPPY
	case "zstd":
		c.kind |= DATA_CMPR_ZSTD
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", core.ERR_INVALID_ARGUMENT, cfg.Compress)
	}
	switch cfg.Encrypt {
	case "":
	case "aes256":
		if len(cfg.Key) <= 16 {
			return nil, fmt.Errorf("%w: AES256 encryption key must be longer than 16 characters", core.ERR_INVALID_ARGUMENT)
		}
		c.kind |= DATA_ENDEC_AES256
	case "sm4":
		if len(cfg.Key) != 16 {
			return nil, fmt.Errorf("%w: SM4 encryption key must be exactly 16 characters", core.ERR_INVALID_ARGUMENT)
		}
		c.kind |= DATA_ENDEC_SM4
	default:
		return nil, fmt.Errorf("%w: unknown encryption %q", core.ERR_INVALID_ARGUMENT, cfg.Encrypt)
	}
	return c, nil
}

// Kind picks the flags for a new object from its first chunk. Media and
// archives are detected by header and stored uncompressed.
func (c *Codec) Kind(firstChunk []byte) uint32 {
	kind := c.kind
	if kind&DATA_CMPR_MASK != 0 && isCompressed(firstChunk) {
		kind &^= DATA_CMPR_MASK
	}
	return kind
}

func isCompressed(head []byte) bool {
	return filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsAudio(head) || filetype.IsArchive(head)
}

func (c *Codec) compressor(kind uint32) archiver.Compressor {
	switch {
	case kind&DATA_CMPR_SNAPPY != 0:
		return &archiver.Snappy{}
	case kind&DATA_CMPR_ZSTD != 0:
		return &archiver.Zstd{EncoderOptions: []zstd.EOption{zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level))}}
	}
	return nil
}

func decompressor(kind uint32) archiver.Decompressor {
	switch {
	case kind&DATA_CMPR_SNAPPY != 0:
		return &archiver.Snappy{}
	case kind&DATA_CMPR_ZSTD != 0:
		return &archiver.Zstd{}
	}
	return nil
}

// Encode processes one chunk. For the first chunk a compression that does
// not shrink the data is dropped from kind for the whole object.
func (c *Codec) Encode(data []byte, kind *uint32, first bool) ([]byte, error) {
	out := data
	if *kind&DATA_CMPR_MASK != 0 && len(data) > 0 {
		var buf bytes.Buffer
		if err := c.compressor(*kind).Compress(bytes.NewReader(data), &buf); err != nil {
			if !first {
				return nil, fmt.Errorf("compression failed: %v", err)
			}
			*kind &^= DATA_CMPR_MASK
		} else if first && buf.Len() >= len(data) {
			*kind &^= DATA_CMPR_MASK
		} else {
			out = buf.Bytes()
		}
	}

	if *kind&DATA_ENDEC_MASK != 0 && len(out) > 0 {
		var err error
		if *kind&DATA_ENDEC_AES256 != 0 {
			out, err = aes256.Encrypt(c.key, out)
		} else {
			out, err = sm4.Sm4Cbc([]byte(c.key), out, true)
		}
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %v", err)
		}
	}

	stored := make([]byte, 8+len(out))
	binary.BigEndian.PutUint64(stored, xxh3.Hash(out))
	copy(stored[8:], out)
	return stored, nil
}

// Decode reverses Encode, failing on a checksum mismatch.
func (c *Codec) Decode(stored []byte, kind uint32) ([]byte, error) {
	if len(stored) < 8 {
		return nil, fmt.Errorf("%w: short chunk", core.ERR_READ_FILE)
	}
	data := stored[8:]
	if binary.BigEndian.Uint64(stored) != xxh3.Hash(data) {
		return nil, fmt.Errorf("%w: chunk checksum mismatch", core.ERR_READ_FILE)
	}

	if kind&DATA_ENDEC_MASK != 0 && len(data) > 0 {
		var err error
		if kind&DATA_ENDEC_AES256 != 0 {
			data, err = aes256.Decrypt(c.key, data)
		} else {
			data, err = sm4.Sm4Cbc([]byte(c.key), data, false)
		}
		if err != nil {
			return nil, fmt.Errorf("decryption failed: %v", err)
		}
	}

	if kind&DATA_CMPR_MASK != 0 && len(data) > 0 {
		var buf bytes.Buffer
		if err := decompressor(kind).Decompress(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decompression failed: %v", err)
		}
		data = buf.Bytes()
	}
	return data, nil
}
