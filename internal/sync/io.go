package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// newChecksum is the copy verification hash.
func newChecksum() hash.Hash {
	return md5.New()
}

func checksumOf(r io.Reader) ([]byte, error) {
	h := newChecksum()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func contentHash(r io.Reader) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// sameContent compares BLAKE2b digests of the source and destination copies.
func (e *Engine) sameContent(ctx context.Context, req Request, out FileOutcome) (bool, error) {
	src, err := e.opts.Source.Open(out.SourcePath)
	if err != nil {
		return false, err
	}
	defer src.Close()
	a, err := contentHash(&contextReader{ctx: ctx, r: src})
	if err != nil {
		return false, err
	}

	dst, err := e.opts.Destination.Open(ctx, req.DestFolder, out.RelPath)
	if err != nil {
		return false, err
	}
	defer dst.Close()
	b, err := contentHash(&contextReader{ctx: ctx, r: dst})
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}
