// Package pipeline is the compress-then-encrypt codec applied to
// backup copies. Encode wraps a destination so plaintext written in
// comes out as a self-describing container; Decode reverses it using
// only the container bytes and the passphrase.
//
// Container layout: a fixed header (magic, version, flags) followed,
// when encrypted, by the KDF salt and the file nonce, then the body.
// Encrypted bodies are length-prefixed AES-256-GCM frames of at most
// 64 KiB plaintext each; the frame counter is XORed into the nonce and
// the last frame is flagged, so reordering, truncation and tampering
// all fail authentication. Unencrypted bodies are the raw compressed
// stream.
package pipeline

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/keepsakefs/keepsake/internal/group"
)

var (
	// ErrAuthenticationFailed covers tampered data, truncation and a
	// wrong passphrase; the codec never returns unauthenticated bytes.
	ErrAuthenticationFailed = errors.New("authentication failed: data tampered, truncated, or wrong passphrase")
	ErrNotArchive           = errors.New("not a keepsake container")
	ErrUnsupportedVersion   = errors.New("unsupported container version")
	ErrPassphraseRequired   = errors.New("container is encrypted and no passphrase is configured")
)

const (
	headerMagic   = "KPSA"
	formatVersion = 1

	compMask      = 0x03
	flagEncrypted = 0x04

	nonceSize = 12
	chunkSize = 64 * 1024

	// Sealed frames carry the GCM tag on top of the plaintext chunk.
	maxFramePayload = chunkSize + 16

	finalFrameBit = uint32(1) << 31
)

var compCodes = map[group.Compression]byte{
	group.CompressionNone: 0,
	group.CompressionZstd: 1,
	group.CompressionS2:   2,
}

// Options selects the transforms. A zero Options is valid and disabled.
type Options struct {
	Compression group.Compression
	Level       int
	Passphrase  string
}

// OptionsFor extracts pipeline options from a group definition.
func OptionsFor(g *group.Group) Options {
	return Options{Compression: g.Compression, Level: g.Level, Passphrase: g.Passphrase}
}

// Enabled reports whether any transform is configured.
func (o Options) Enabled() bool {
	if o.Passphrase != "" {
		return true
	}
	return o.Compression != "" && o.Compression != group.CompressionNone
}

// Pipeline encodes and decodes backup containers. One instance serves a
// whole run: the encode salt (and so the derived key) is fixed per
// instance, while decoding honors whatever salt each container carries.
type Pipeline struct {
	opts       Options
	encodeSalt []byte
	cache      keyCache
}

// New validates opts and prepares key material. At least one transform
// must be enabled.
func New(opts Options) (*Pipeline, error) {
	if !opts.Enabled() {
		return nil, errors.New("pipeline requires compression or a passphrase")
	}
	if err := validateLevel(opts.Compression, opts.Level); err != nil {
		return nil, err
	}
	p := &Pipeline{opts: opts}
	if opts.Passphrase != "" {
		p.encodeSalt = make([]byte, saltSize)
		if _, err := rand.Read(p.encodeSalt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	return p, nil
}

// Encode wraps dst: plaintext written to the returned WriteCloser is
// compressed, then encrypted, into dst. Close flushes the compressor
// and seals the final frame; the container is not complete until Close
// returns nil.
func (p *Pipeline) Encode(dst io.Writer) (io.WriteCloser, error) {
	encrypted := p.opts.Passphrase != ""
	compressing := p.opts.Compression != "" && p.opts.Compression != group.CompressionNone

	flags := compCodes[p.opts.Compression]
	if encrypted {
		flags |= flagEncrypted
	}
	fixed := fixedHeader(flags)

	header := fixed
	var nonce []byte
	if encrypted {
		nonce = make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		header = append(append(append([]byte{}, fixed...), p.encodeSalt...), nonce...)
	}
	if _, err := dst.Write(header); err != nil {
		return nil, fmt.Errorf("write container header: %w", err)
	}

	sink := dst
	var frames *frameWriter
	if encrypted {
		aead, err := newAEAD(p.cache.derive(p.opts.Passphrase, p.encodeSalt))
		if err != nil {
			return nil, err
		}
		frames = newFrameWriter(dst, aead, nonce, fixed)
		sink = frames
	}

	var comp io.WriteCloser
	if compressing {
		var err error
		comp, err = newCompressor(sink, p.opts.Compression, p.opts.Level)
		if err != nil {
			return nil, err
		}
	}

	return &encodeStream{comp: comp, frames: frames, sink: sink}, nil
}

// Decode wraps src: reads from the returned ReadCloser yield the
// original plaintext. Close completes authentication; a nil Close means
// the whole stream verified, so callers must always check it.
func (p *Pipeline) Decode(src io.Reader) (io.ReadCloser, error) {
	var fixed [6]byte
	if _, err := io.ReadFull(src, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrNotArchive)
	}
	if string(fixed[:4]) != headerMagic {
		return nil, ErrNotArchive
	}
	if fixed[4] != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, fixed[4])
	}
	flags := fixed[5]

	var alg group.Compression
	switch flags & compMask {
	case compCodes[group.CompressionNone]:
	case compCodes[group.CompressionZstd]:
		alg = group.CompressionZstd
	case compCodes[group.CompressionS2]:
		alg = group.CompressionS2
	default:
		return nil, fmt.Errorf("%w: unknown compression code %d", ErrNotArchive, flags&compMask)
	}

	var frames *frameReader
	body := src
	if flags&flagEncrypted != 0 {
		if p.opts.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		material := make([]byte, saltSize+nonceSize)
		if _, err := io.ReadFull(src, material); err != nil {
			return nil, fmt.Errorf("%w: short key material", ErrNotArchive)
		}
		aead, err := newAEAD(p.cache.derive(p.opts.Passphrase, material[:saltSize]))
		if err != nil {
			return nil, err
		}
		frames = newFrameReader(src, aead, material[saltSize:], fixed[:])
		body = frames
	}

	var decomp io.ReadCloser
	out := body
	if alg != "" {
		var err error
		decomp, err = newDecompressor(body, alg)
		if err != nil {
			return nil, err
		}
		out = decomp
	}

	return &decodeStream{r: out, decomp: decomp, frames: frames}, nil
}

func fixedHeader(flags byte) []byte {
	return []byte{headerMagic[0], headerMagic[1], headerMagic[2], headerMagic[3], formatVersion, flags}
}

// encodeStream is the writer handed to callers, closing in transform
// order: compressor flush first, then the final sealed frame.
type encodeStream struct {
	comp   io.WriteCloser
	frames *frameWriter
	sink   io.Writer
	closed bool
}

func (es *encodeStream) Write(p []byte) (int, error) {
	if es.comp != nil {
		return es.comp.Write(p)
	}
	return es.sink.Write(p)
}

func (es *encodeStream) Close() error {
	if es.closed {
		return nil
	}
	es.closed = true
	if es.comp != nil {
		if err := es.comp.Close(); err != nil {
			return fmt.Errorf("flush compressor: %w", err)
		}
	}
	if es.frames != nil {
		return es.frames.Close()
	}
	return nil
}

// decodeStream is the reader handed to callers. Close drains remaining
// frames so the flagged final frame is always seen and verified, even
// when the decompressor stopped reading at its own logical end.
type decodeStream struct {
	r      io.Reader
	decomp io.ReadCloser
	frames *frameReader
	closed bool
}

func (ds *decodeStream) Read(p []byte) (int, error) {
	return ds.r.Read(p)
}

func (ds *decodeStream) Close() error {
	if ds.closed {
		return nil
	}
	ds.closed = true
	if ds.decomp != nil {
		if err := ds.decomp.Close(); err != nil {
			return err
		}
	}
	if ds.frames != nil {
		if _, err := io.Copy(io.Discard, ds.frames); err != nil {
			return err
		}
	}
	return nil
}

// frameWriter seals fixed-size plaintext chunks into length-prefixed
// GCM frames.
type frameWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	base    []byte
	aad     []byte
	buf     []byte
	counter uint32
	closed  bool
}

func newFrameWriter(dst io.Writer, aead cipher.AEAD, nonce, aad []byte) *frameWriter {
	return &frameWriter{
		dst:  dst,
		aead: aead,
		base: append([]byte{}, nonce...),
		aad:  append([]byte{}, aad...),
		buf:  make([]byte, 0, chunkSize),
	}
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := chunkSize - len(fw.buf)
		if room == 0 {
			if err := fw.seal(false); err != nil {
				return total - len(p), err
			}
			room = chunkSize
		}
		if room > len(p) {
			room = len(p)
		}
		fw.buf = append(fw.buf, p[:room]...)
		p = p[room:]
	}
	return total, nil
}

// Close seals whatever remains (possibly empty) as the flagged final
// frame. Every container has at least this one frame.
func (fw *frameWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	return fw.seal(true)
}

func (fw *frameWriter) seal(final bool) error {
	if fw.counter == math.MaxUint32 {
		return errors.New("file exceeds frame counter range")
	}
	nonce := chunkNonce(fw.base, fw.counter, final)
	ct := fw.aead.Seal(nil, nonce, fw.buf, fw.aad)
	fw.counter++
	fw.buf = fw.buf[:0]

	length := uint32(len(ct))
	if final {
		length |= finalFrameBit
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], length)
	if _, err := fw.dst.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := fw.dst.Write(ct); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// frameReader opens frames in order, yielding plaintext. io.EOF is
// returned only after the flagged final frame authenticated.
type frameReader struct {
	src      io.Reader
	aead     cipher.AEAD
	base     []byte
	aad      []byte
	buf      []byte
	counter  uint32
	sawFinal bool
}

func newFrameReader(src io.Reader, aead cipher.AEAD, nonce, aad []byte) *frameReader {
	return &frameReader{
		src:  src,
		aead: aead,
		base: append([]byte{}, nonce...),
		aad:  append([]byte{}, aad...),
	}
}

func (fr *frameReader) Read(p []byte) (int, error) {
	for len(fr.buf) == 0 {
		if fr.sawFinal {
			return 0, io.EOF
		}
		if err := fr.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, fr.buf)
	fr.buf = fr.buf[n:]
	return n, nil
}

func (fr *frameReader) next() error {
	var prefix [4]byte
	if _, err := io.ReadFull(fr.src, prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: stream truncated before final frame", ErrAuthenticationFailed)
		}
		return fmt.Errorf("read frame: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	final := length&finalFrameBit != 0
	length &^= finalFrameBit
	if length > maxFramePayload {
		return fmt.Errorf("%w: frame length %d exceeds limit", ErrAuthenticationFailed, length)
	}

	ct := make([]byte, length)
	if _, err := io.ReadFull(fr.src, ct); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: stream truncated mid-frame", ErrAuthenticationFailed)
		}
		return fmt.Errorf("read frame: %w", err)
	}

	nonce := chunkNonce(fr.base, fr.counter, final)
	pt, err := fr.aead.Open(ct[:0], nonce, ct, fr.aad)
	if err != nil {
		return fmt.Errorf("%w: frame %d", ErrAuthenticationFailed, fr.counter)
	}
	fr.counter++
	fr.buf = pt
	if final {
		fr.sawFinal = true
	}
	return nil
}

// chunkNonce derives the per-frame nonce: the counter is XORed into the
// tail of the file nonce and the final frame flips the top bit, so no
// two frames of one file share a nonce and the end of stream is bound
// into the authentication.
func chunkNonce(base []byte, counter uint32, final bool) []byte {
	n := make([]byte, nonceSize)
	copy(n, base)
	n[8] ^= byte(counter >> 24)
	n[9] ^= byte(counter >> 16)
	n[10] ^= byte(counter >> 8)
	n[11] ^= byte(counter)
	if final {
		n[0] ^= 0x80
	}
	return n
}
