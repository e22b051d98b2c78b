// Package asmtest builds small but well-formed managed (ECMA-335) images for
// tests: a one-section PE32 file whose CLI header points at a metadata root
// with Module, Assembly and AssemblyRef tables.
package asmtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x2000
	sectionRVA       = 0x2000
	cliHeaderSize    = 72
	runtimeVersion   = "v4.0.30319"

	flagPublicKey = 0x0001
)

// Assembly describes the image to build.
type Assembly struct {
	Name      string
	Version   string // "1.0" to "1.2.3.4"; empty means 0.0.0.0
	Culture   string
	PublicKey []byte
	Exe       bool

	References []Reference

	// Native drops the CLI header, producing a plain unmanaged PE.
	Native bool
}

// Reference is one AssemblyRef row. Set either PublicKeyToken (8 bytes) or PublicKey.
type Reference struct {
	Name           string
	Version        string
	Culture        string
	PublicKeyToken []byte
	PublicKey      []byte
}

// WriteFile builds a and writes it to path, creating parent directories.
func WriteFile(t testing.TB, path string, a Assembly) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("asmtest: mkdir: %v", err)
	}
	if err := os.WriteFile(path, Build(a), 0o644); err != nil {
		t.Fatalf("asmtest: write %s: %v", path, err)
	}
	return path
}

// Build returns the bytes of the image.
func Build(a Assembly) []byte {
	var section []byte
	if !a.Native {
		md := buildMetadata(a)
		section = append(cliHeader(sectionRVA+cliHeaderSize, uint32(len(md))), md...)
	} else {
		section = []byte{0xC3} // ret
	}
	rawSize := align(uint32(len(section)), fileAlignment)

	var buf bytes.Buffer

	// DOS header: "MZ" and e_lfanew at 0x3c, padded to 0x80.
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x80)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	characteristics := uint16(pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE)
	if !a.Exe {
		characteristics |= pe.IMAGE_FILE_DLL
	}
	write(&buf, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      characteristics,
	})

	oh := pe.OptionalHeader32{
		Magic:                 0x10b,
		MajorLinkerVersion:    8,
		SizeOfCode:            rawSize,
		BaseOfCode:            sectionRVA,
		ImageBase:             0x400000,
		SectionAlignment:      sectionAlignment,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 4,
		SizeOfImage:           sectionRVA + align(uint32(len(section)), sectionAlignment),
		SizeOfHeaders:         fileAlignment,
		Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		SizeOfStackReserve:    0x100000,
		SizeOfStackCommit:     0x1000,
		SizeOfHeapReserve:     0x100000,
		SizeOfHeapCommit:      0x1000,
		NumberOfRvaAndSizes:   16,
	}
	if !a.Native {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{
			VirtualAddress: sectionRVA,
			Size:           cliHeaderSize,
		}
	}
	write(&buf, oh)

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(section)),
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileAlignment,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".text")
	write(&buf, sh)

	buf.Write(make([]byte, fileAlignment-buf.Len()))
	buf.Write(section)
	buf.Write(make([]byte, int(rawSize)-len(section)))

	return buf.Bytes()
}

func cliHeader(metadataRVA, metadataSize uint32) []byte {
	h := make([]byte, cliHeaderSize)
	binary.LittleEndian.PutUint32(h[0:], cliHeaderSize)
	binary.LittleEndian.PutUint16(h[4:], 2) // runtime 2.5
	binary.LittleEndian.PutUint16(h[6:], 5)
	binary.LittleEndian.PutUint32(h[8:], metadataRVA)
	binary.LittleEndian.PutUint32(h[12:], metadataSize)
	binary.LittleEndian.PutUint32(h[16:], 0x1) // ILONLY
	return h
}

// heaps accumulates #Strings and #Blob contents; offset 0 is the empty entry in both.
type heaps struct {
	strings bytes.Buffer
	blob    bytes.Buffer
	strIdx  map[string]uint16
}

func newHeaps() *heaps {
	h := &heaps{strIdx: map[string]uint16{"": 0}}
	h.strings.WriteByte(0)
	h.blob.WriteByte(0)
	return h
}

func (h *heaps) str(s string) uint16 {
	if off, ok := h.strIdx[s]; ok {
		return off
	}
	off := uint16(h.strings.Len())
	h.strings.WriteString(s)
	h.strings.WriteByte(0)
	h.strIdx[s] = off
	return off
}

func (h *heaps) bytes(b []byte) uint16 {
	if len(b) == 0 {
		return 0
	}
	off := uint16(h.blob.Len())
	if len(b) < 0x80 {
		h.blob.WriteByte(byte(len(b)))
	} else {
		h.blob.WriteByte(byte(len(b)>>8) | 0x80)
		h.blob.WriteByte(byte(len(b)))
	}
	h.blob.Write(b)
	return off
}

func buildMetadata(a Assembly) []byte {
	h := newHeaps()

	var tables bytes.Buffer
	valid := uint64(1)<<0x00 | uint64(1)<<0x20
	if len(a.References) > 0 {
		valid |= uint64(1) << 0x23
	}
	write(&tables, uint32(0))           // reserved
	write(&tables, [4]uint8{2, 0, 0, 1}) // major, minor, heap sizes, reserved
	write(&tables, valid)
	write(&tables, uint64(0)) // sorted
	write(&tables, uint32(1)) // Module rows
	write(&tables, uint32(1)) // Assembly rows
	if len(a.References) > 0 {
		write(&tables, uint32(len(a.References)))
	}

	ext := ".dll"
	if a.Exe {
		ext = ".exe"
	}

	// Module: Generation, Name, Mvid, EncId, EncBaseId.
	write(&tables, uint16(0))
	write(&tables, h.str(a.Name+ext))
	write(&tables, [3]uint16{1, 0, 0})

	// Assembly: HashAlgId, version, Flags, PublicKey, Name, Culture.
	var flags uint32
	if len(a.PublicKey) > 0 {
		flags |= flagPublicKey
	}
	write(&tables, uint32(0x8004))
	write(&tables, parseVersion(a.Version))
	write(&tables, flags)
	write(&tables, h.bytes(a.PublicKey))
	write(&tables, h.str(a.Name))
	write(&tables, h.str(a.Culture))

	// AssemblyRef: version, Flags, PublicKeyOrToken, Name, Culture, HashValue.
	for _, r := range a.References {
		var rflags uint32
		keyOrToken := r.PublicKeyToken
		if len(r.PublicKey) > 0 {
			rflags |= flagPublicKey
			keyOrToken = r.PublicKey
		}
		write(&tables, parseVersion(r.Version))
		write(&tables, rflags)
		write(&tables, h.bytes(keyOrToken))
		write(&tables, h.str(r.Name))
		write(&tables, h.str(r.Culture))
		write(&tables, uint16(0))
	}

	guidHeap := make([]byte, 16)
	copy(guidHeap, a.Name)

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", pad4(tables.Bytes())},
		{"#Strings", pad4(h.strings.Bytes())},
		{"#Blob", pad4(h.blob.Bytes())},
		{"#GUID", guidHeap},
	}

	version := pad4(append([]byte(runtimeVersion), 0))
	headerLen := 16 + len(version) + 4
	for _, s := range streams {
		headerLen += 8 + len(pad4(append([]byte(s.name), 0)))
	}

	var root bytes.Buffer
	write(&root, uint32(0x424A5342))
	write(&root, [2]uint16{1, 1})
	write(&root, uint32(0))
	write(&root, uint32(len(version)))
	root.Write(version)
	write(&root, [2]uint16{0, uint16(len(streams))})

	off := headerLen
	for _, s := range streams {
		write(&root, [2]uint32{uint32(off), uint32(len(s.data))})
		root.Write(pad4(append([]byte(s.name), 0)))
		off += len(s.data)
	}
	for _, s := range streams {
		root.Write(s.data)
	}

	return root.Bytes()
}

func parseVersion(s string) [4]uint16 {
	var v [4]uint16
	if s == "" {
		return v
	}
	for i, p := range strings.SplitN(s, ".", 4) {
		n, _ := strconv.ParseUint(p, 10, 16)
		v[i] = uint16(n)
	}
	return v
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func align(n, to uint32) uint32 {
	return (n + to - 1) &^ (to - 1)
}

func write(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, v)
}
