// Package lz4codec adapts github.com/pierrec/lz4/v4 to the fixed
// high-compression-level-9 block codec this library's header format
// expects: bounded compress/decompress of single, size-known blocks.
package lz4codec

import (
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

var (
	ErrCompressFailed   = xerrors.New("lz4codec: compression failed")
	ErrDecompressFailed = xerrors.New("lz4codec: decompression failed")
)

// All blocks are written at a fixed high compression level; the header
// carries no per-file level, so readers never need to know it.
const level9 = lz4.Level9

// CompressBound returns the worst-case compressed size for an input of n
// bytes.
func CompressBound(n int) int {
	return lz4.CompressBlockBound(n)
}

// CompressHC compresses src into dst at the fixed high-compression level
// and returns the number of bytes written. dst must be at least
// CompressBound(len(src)) bytes. Incompressible input is stored as a
// literal-only block, so the output is always a valid LZ4 block stream.
func CompressHC(src, dst []byte) (int, error) {
	n, err := lz4.CompressBlockHC(src, dst, level9, nil, nil)
	if err != nil {
		return 0, xerrors.Errorf("%w: %v", ErrCompressFailed, err)
	}
	if n == 0 && len(src) != 0 {
		// CompressBlockHC signals incompressible input with n == 0; the C
		// implementation instead emits an expanded literal-only block.
		// The on-disk format has no raw/compressed flag per block, so do
		// the same here.
		return storeLiterals(src, dst), nil
	}
	return n, nil
}

// storeLiterals encodes src as a single LZ4 sequence of literals with no
// match, the canonical representation of incompressible data. dst is
// CompressBound-sized, which covers the token and length bytes.
func storeLiterals(src, dst []byte) int {
	i := 1
	if n := len(src); n < 15 {
		dst[0] = byte(n) << 4
	} else {
		dst[0] = 0xf0
		for rem := n - 15; ; rem -= 255 {
			if rem < 255 {
				dst[i] = byte(rem)
				i++
				break
			}
			dst[i] = 255
			i++
		}
	}
	return i + copy(dst[i:], src)
}

// DecompressSafe decompresses src into dst, which must be sized to
// exactly the expected decompressed length, and returns the number of
// bytes written.
func DecompressSafe(src, dst []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, xerrors.Errorf("%w: %v", ErrDecompressFailed, err)
	}
	return n, nil
}
