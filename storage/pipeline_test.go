package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/orcastor/s3gw/core"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCodec(t *testing.T) {
	Convey("Chunk codec", t, func() {
		text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

		Convey("round trips for every combination", func() {
			for _, cfg := range []core.CodecConfig{
				{},
				{Compress: "snappy"},
				{Compress: "zstd", Level: 5},
				{Encrypt: "aes256", Key: "0123456789abcdef0123"},
				{Encrypt: "sm4", Key: "0123456789abcdef"},
				{Compress: "zstd", Encrypt: "sm4", Key: "0123456789abcdef"},
			} {
				c, err := NewCodec(cfg)
				So(err, ShouldBeNil)
				kind := c.Kind(text)
				stored, err := c.Encode(text, &kind, true)
				So(err, ShouldBeNil)
				plain, err := c.Decode(stored, kind)
				So(err, ShouldBeNil)
				So(plain, ShouldResemble, text)
			}
		})

		Convey("compression shrinks text", func() {
			c, _ := NewCodec(core.CodecConfig{Compress: "zstd", Level: 3})
			kind := c.Kind(text)
			So(kind&DATA_CMPR_ZSTD, ShouldNotEqual, 0)
			stored, err := c.Encode(text, &kind, true)
			So(err, ShouldBeNil)
			So(len(stored), ShouldBeLessThan, len(text))
		})

		Convey("media is stored uncompressed", func() {
			png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, text...)
			c, _ := NewCodec(core.CodecConfig{Compress: "snappy"})
			So(c.Kind(png)&DATA_CMPR_MASK, ShouldEqual, 0)
		})

		Convey("incompressible first chunk drops compression", func() {
			c, _ := NewCodec(core.CodecConfig{Compress: "snappy"})
			data := []byte{1, 2, 3}
			kind := c.Kind(data)
			stored, err := c.Encode(data, &kind, true)
			So(err, ShouldBeNil)
			So(kind&DATA_CMPR_MASK, ShouldEqual, 0)
			plain, err := c.Decode(stored, kind)
			So(err, ShouldBeNil)
			So(plain, ShouldResemble, data)
		})

		Convey("corruption is detected", func() {
			c, _ := NewCodec(core.CodecConfig{})
			var kind uint32
			stored, _ := c.Encode([]byte("payload"), &kind, true)
			stored[len(stored)-1] ^= 0x01
			_, err := c.Decode(stored, kind)
			So(errors.Is(err, core.ERR_READ_FILE), ShouldBeTrue)

			_, err = c.Decode([]byte{1, 2}, kind)
			So(errors.Is(err, core.ERR_READ_FILE), ShouldBeTrue)
		})

		Convey("bad settings", func() {
			_, err := NewCodec(core.CodecConfig{Compress: "lz4"})
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
			_, err = NewCodec(core.CodecConfig{Encrypt: "aes256", Key: "short"})
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
			_, err = NewCodec(core.CodecConfig{Encrypt: "sm4", Key: "0123456789abcdef0"})
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
			_, err = NewCodec(core.CodecConfig{Encrypt: "rot13"})
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
		})
	})
}
