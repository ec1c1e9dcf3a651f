package kcons

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// codec is the compression of a record batch, the low three bits of the
// batch attributes.
type codec int8

const (
	codecNone codec = iota
	codecGzip
	codecSnappy
	codecLZ4
	codecZstd
)

func (c codec) String() string {
	switch c {
	case codecNone:
		return "none"
	case codecGzip:
		return "gzip"
	case codecSnappy:
		return "snappy"
	case codecLZ4:
		return "lz4"
	case codecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", int8(c))
}

type decompressor struct {
	zstdOnce  sync.Once
	zstdDec   *zstd.Decoder
	zstdErr   error
	ungzPool  sync.Pool
	unlz4Pool sync.Pool
}

func newDecompressor() *decompressor {
	return &decompressor{
		ungzPool: sync.Pool{
			New: func() any { return new(gzip.Reader) },
		},
		unlz4Pool: sync.Pool{
			New: func() any { return lz4.NewReader(nil) },
		},
	}
}

func (d *decompressor) decompress(src []byte, c codec) ([]byte, error) {
	switch c {
	case codecNone:
		return src, nil
	case codecGzip:
		ungz := d.ungzPool.Get().(*gzip.Reader)
		defer d.ungzPool.Put(ungz)
		if err := ungz.Reset(bytes.NewReader(src)); err != nil {
			return nil, err
		}
		return io.ReadAll(ungz)
	case codecSnappy:
		if len(src) > 16 && bytes.HasPrefix(src, xerialPfx) {
			return xerialDecode(src)
		}
		return snappy.Decode(nil, src)
	case codecLZ4:
		unlz4 := d.unlz4Pool.Get().(*lz4.Reader)
		defer d.unlz4Pool.Put(unlz4)
		unlz4.Reset(bytes.NewReader(src))
		return io.ReadAll(unlz4)
	case codecZstd:
		d.zstdOnce.Do(func() { d.zstdDec, d.zstdErr = zstd.NewReader(nil) })
		if d.zstdErr != nil {
			return nil, d.zstdErr
		}
		return d.zstdDec.DecodeAll(src, nil)
	}
	return nil, fmt.Errorf("unknown compression %s", c)
}

func (d *decompressor) close() {
	d.zstdOnce.Do(func() {})
	if d.zstdDec != nil {
		d.zstdDec.Close()
	}
}

var xerialPfx = []byte{130, 83, 78, 65, 80, 80, 89, 0}

var errMalformedXerial = errors.New("malformed xerial framing")

func xerialDecode(src []byte) ([]byte, error) {
	// bytes 0-8: xerial header
	// bytes 8-16: xerial version
	// everything after: uint32 chunk size, snappy chunk
	src = src[16:]
	var dst, chunk []byte
	var err error
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, errMalformedXerial
		}
		size := int32(binary.BigEndian.Uint32(src))
		src = src[4:]
		if size < 0 || len(src) < int(size) {
			return nil, errMalformedXerial
		}
		if chunk, err = snappy.Decode(chunk[:cap(chunk)], src[:size]); err != nil {
			return nil, err
		}
		src = src[size:]
		dst = append(dst, chunk...)
	}
	return dst, nil
}
