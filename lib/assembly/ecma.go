package assembly

import (
	"bytes"
	"crypto/sha1"
	"debug/pe"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/bits"
	"strings"
)

const (
	cliHeaderDirectory = 14 // IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR
	cliHeaderSize      = 72
	metadataSignature  = 0x424A5342 // "BSJB"

	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40

	assemblyRefFlagPublicKey = 0x0001

	// maxRowCount bounds row counts to the 24-bit token space.
	maxRowCount = 1 << 24
)

// ecmaReader reads managed (CLI) images: a PE file whose data directory 14
// points at a CLI header and a metadata root.
type ecmaReader struct{}

func (ecmaReader) Format() Format { return FormatECMA335 }

func (ecmaReader) Read(r io.ReaderAt, size int64) (*Metadata, error) {
	var magic [2]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil || magic != [2]byte{'M', 'Z'} {
		return nil, errUnrecognized
	}

	f, err := pe.NewFile(r)
	if err != nil {
		return nil, malformed("pe: %v", err)
	}
	defer f.Close()

	dir, ok := dataDirectory(f, cliHeaderDirectory)
	if !ok || dir.VirtualAddress == 0 || dir.Size < cliHeaderSize {
		// A native PE. Another reader may still claim it.
		return nil, errUnrecognized
	}

	cli, err := readRVA(f, dir.VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, err
	}
	mdRVA := binary.LittleEndian.Uint32(cli[8:])
	mdSize := binary.LittleEndian.Uint32(cli[12:])
	if mdRVA == 0 || mdSize == 0 || int64(mdSize) > size {
		return nil, malformed("cli header: metadata directory rva=%#x size=%d", mdRVA, mdSize)
	}

	root, err := readRVA(f, mdRVA, mdSize)
	if err != nil {
		return nil, err
	}

	streams, err := parseMetadataRoot(root)
	if err != nil {
		return nil, err
	}

	return parseTables(streams)
}

func dataDirectory(f *pe.File, i int) (pe.DataDirectory, bool) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > uint32(i) {
			return oh.DataDirectory[i], true
		}
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > uint32(i) {
			return oh.DataDirectory[i], true
		}
	}
	return pe.DataDirectory{}, false
}

// readRVA reads n bytes at a relative virtual address through the section that maps it.
func readRVA(f *pe.File, rva, n uint32) ([]byte, error) {
	for _, s := range f.Sections {
		span := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= span {
			continue
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(n) > uint64(s.Size) {
			return nil, malformed("rva %#x+%d runs past raw data of section %s", rva, n, s.Name)
		}
		buf := make([]byte, n)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, malformed("section %s: %v", s.Name, err)
		}
		return buf, nil
	}
	return nil, malformed("rva %#x is not mapped by any section", rva)
}

type metadataStreams struct {
	tables  []byte
	strings []byte
	blob    []byte
}

// parseMetadataRoot walks the stream headers of the metadata root (II.24.2.1).
func parseMetadataRoot(root []byte) (*metadataStreams, error) {
	if len(root) < 20 || binary.LittleEndian.Uint32(root) != metadataSignature {
		return nil, malformed("metadata root: bad signature")
	}
	verLen := binary.LittleEndian.Uint32(root[12:])
	if verLen > 255 || 16+int(verLen)+4 > len(root) {
		return nil, malformed("metadata root: version length %d", verLen)
	}
	pos := 16 + int(verLen)
	count := int(binary.LittleEndian.Uint16(root[pos+2:]))
	pos += 4

	streams := &metadataStreams{}
	for i := 0; i < count; i++ {
		if pos+8 > len(root) {
			return nil, malformed("metadata root: stream header %d truncated", i)
		}
		off := binary.LittleEndian.Uint32(root[pos:])
		sz := binary.LittleEndian.Uint32(root[pos+4:])
		pos += 8

		end := bytes.IndexByte(root[pos:min(len(root), pos+32)], 0)
		if end < 0 {
			return nil, malformed("metadata root: stream name %d unterminated", i)
		}
		name := string(root[pos : pos+end])
		pos += (end + 4) &^ 3

		if uint64(off)+uint64(sz) > uint64(len(root)) {
			return nil, malformed("stream %s: [%d,+%d) outside metadata", name, off, sz)
		}
		data := root[off : off+sz]

		switch name {
		case "#~", "#-":
			streams.tables = data
		case "#Strings":
			streams.strings = data
		case "#Blob":
			streams.blob = data
		}
	}

	if streams.tables == nil {
		return nil, malformed("metadata root: no table stream")
	}
	return streams, nil
}

// parseTables reads the Assembly and AssemblyRef tables out of the #~ stream (II.24.2.6).
func parseTables(s *metadataStreams) (*Metadata, error) {
	t := s.tables
	if len(t) < 24 {
		return nil, malformed("table stream: header truncated")
	}

	heapSizes := t[6]
	valid := binary.LittleEndian.Uint64(t[8:])

	layout := &tableLayout{strIndex: 2, guidIndex: 2, blobIndex: 2}
	if heapSizes&heapStringsWide != 0 {
		layout.strIndex = 4
	}
	if heapSizes&heapGUIDWide != 0 {
		layout.guidIndex = 4
	}
	if heapSizes&heapBlobWide != 0 {
		layout.blobIndex = 4
	}

	pos := 24
	if pos+4*bits.OnesCount64(valid) > len(t) {
		return nil, malformed("table stream: row counts truncated")
	}
	for i := 0; i < tableCount; i++ {
		if valid&(1<<i) == 0 {
			continue
		}
		n := binary.LittleEndian.Uint32(t[pos:])
		if n > maxRowCount {
			return nil, malformed("table %#x: %d rows", i, n)
		}
		layout.rows[i] = n
		pos += 4
	}
	if heapSizes&heapExtraData != 0 {
		pos += 4
	}

	// Offsets of Assembly and AssemblyRef: sum of every table before them.
	var offsets [tableAssemblyRef + 1]int
	for i := 0; i <= tableAssemblyRef; i++ {
		offsets[i] = pos
		pos += int(layout.rows[i]) * layout.rowSize(i)
		if pos > len(t) {
			return nil, malformed("table %#x runs past the table stream", i)
		}
	}

	if layout.rows[tableAssembly] == 0 {
		// A module without a manifest (netmodule) has no identity to report.
		return nil, errUnrecognized
	}

	h := heaps{strings: s.strings, blob: s.blob}

	row := &cursor{buf: t, pos: offsets[tableAssembly], layout: layout}
	md := &Metadata{}
	row.skip(u32()) // HashAlgId
	md.Version = row.version()
	md.Flags = row.readUint32()
	publicKey := h.blobAt(row.read(blob()))
	md.Name = h.stringAt(row.read(str()))
	md.Culture = h.stringAt(row.read(str()))
	if len(publicKey) > 0 {
		md.PublicKeyToken = keyToken(publicKey)
	}
	if row.err != nil || h.err != nil {
		return nil, firstErr(row.err, h.err)
	}
	if md.Name == "" {
		return nil, malformed("assembly row: empty name")
	}

	refs := make([]Reference, 0, layout.rows[tableAssemblyRef])
	row.pos = offsets[tableAssemblyRef]
	for i := uint32(0); i < layout.rows[tableAssemblyRef]; i++ {
		var ref Reference
		ref.Version = row.version()
		flags := row.readUint32()
		keyOrToken := h.blobAt(row.read(blob()))
		ref.Name = h.stringAt(row.read(str()))
		ref.Culture = h.stringAt(row.read(str()))
		row.skip(blob()) // HashValue

		switch {
		case len(keyOrToken) == 0:
		case flags&assemblyRefFlagPublicKey != 0:
			ref.PublicKeyToken = keyToken(keyOrToken)
		default:
			ref.PublicKeyToken = hex.EncodeToString(keyOrToken)
		}
		refs = append(refs, ref)
	}
	if row.err != nil || h.err != nil {
		return nil, firstErr(row.err, h.err)
	}
	md.References = refs

	return md, nil
}

// keyToken is the low 8 bytes of the SHA-1 of the public key, reversed.
func keyToken(key []byte) string {
	sum := sha1.Sum(key)
	tok := make([]byte, 8)
	for i := range tok {
		tok[i] = sum[len(sum)-1-i]
	}
	return hex.EncodeToString(tok)
}

// cursor reads consecutive columns of table rows.
type cursor struct {
	buf    []byte
	pos    int
	layout *tableLayout
	err    error
}

func (c *cursor) read(col column) uint32 {
	n := c.layout.columnSize(col)
	if c.err != nil {
		return 0
	}
	if c.pos+n > len(c.buf) {
		c.err = malformed("row read at %d past table stream", c.pos)
		return 0
	}
	var v uint32
	if n == 2 {
		v = uint32(binary.LittleEndian.Uint16(c.buf[c.pos:]))
	} else {
		v = binary.LittleEndian.Uint32(c.buf[c.pos:])
	}
	c.pos += n
	return v
}

func (c *cursor) skip(col column) { c.read(col) }

func (c *cursor) readUint16() uint16 { return uint16(c.read(u16())) }

func (c *cursor) readUint32() uint32 { return c.read(u32()) }

func (c *cursor) version() Version {
	return Version{Major: c.readUint16(), Minor: c.readUint16(), Build: c.readUint16(), Revision: c.readUint16()}
}

// heaps resolves #Strings and #Blob offsets.
type heaps struct {
	strings []byte
	blob    []byte
	err     error
}

func (h *heaps) stringAt(off uint32) string {
	if off == 0 || h.err != nil {
		return ""
	}
	if int(off) >= len(h.strings) {
		h.err = malformed("#Strings offset %d out of range", off)
		return ""
	}
	end := bytes.IndexByte(h.strings[off:], 0)
	if end < 0 {
		h.err = malformed("#Strings entry at %d unterminated", off)
		return ""
	}
	return strings.Clone(string(h.strings[off : int(off)+end]))
}

// blobAt decodes the compressed length prefix (II.24.2.4) and returns the blob.
func (h *heaps) blobAt(off uint32) []byte {
	if off == 0 || h.err != nil {
		return nil
	}
	b := h.blob
	if int(off) >= len(b) {
		h.err = malformed("#Blob offset %d out of range", off)
		return nil
	}
	p := int(off)

	var n, hdr int
	switch first := b[p]; {
	case first&0x80 == 0:
		n, hdr = int(first), 1
	case first&0xC0 == 0x80 && p+1 < len(b):
		n, hdr = int(first&0x3F)<<8|int(b[p+1]), 2
	case first&0xE0 == 0xC0 && p+3 < len(b):
		n, hdr = int(first&0x1F)<<24|int(b[p+1])<<16|int(b[p+2])<<8|int(b[p+3]), 4
	default:
		h.err = malformed("#Blob length prefix at %d", off)
		return nil
	}

	if p+hdr+n > len(b) {
		h.err = malformed("#Blob entry at %d runs past heap", off)
		return nil
	}
	return bytes.Clone(b[p+hdr : p+hdr+n])
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
