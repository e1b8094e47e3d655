package peimage

import (
	"encoding/binary"
	"testing"

	"github.com/Binject/debug/pe"

	"github.com/binrw/pestab/disasm"
)

// These tests exercise the directory-walking methods directly against a
// hand-built Image rather than a full synthetic PE file: the methods
// only ever see img.raw/img.sections and a DataDirectory, and
// constructing a minimal-but-valid PE/COFF header by hand to drive
// pe.NewFile would test Binject's parser more than this package's logic.
//
// The single section below deliberately gives VirtualAddress and
// FileOffset different values (0x1000 vs 0x400, as on a real PE where
// SectionAlignment != FileAlignment) so these tests actually exercise
// the RVA-to-file-offset translation in readAt, rather than passing
// vacuously because RVA happened to equal file offset.
const (
	testSectionVA     = uint64(0x1000)
	testSectionOffset = uint64(0x400)
	testSectionSize   = 0x800
)

func newTestImage() *Image {
	return &Image{
		raw: make([]byte, testSectionOffset+testSectionSize),
		sections: []disasm.Section{{
			Name:           ".test",
			VirtualAddress: testSectionVA,
			VirtualSize:    testSectionSize,
			FileOffset:     testSectionOffset,
			FileSize:       testSectionSize,
		}},
	}
}

// putRVA writes b at rva, translating through the single test section.
func putRVA(img *Image, rva uint64, b []byte) {
	off := testSectionOffset + (rva - testSectionVA)
	copy(img.raw[off:], b)
}

func putRuntimeFunction(img *Image, rva uint64, rf RuntimeFunction) {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:], rf.BeginAddress)
	binary.LittleEndian.PutUint32(buf[4:], rf.EndAddress)
	binary.LittleEndian.PutUint32(buf[8:], rf.UnwindInfoAddress)
	putRVA(img, rva, buf[:])
}

func putUint32(img *Image, rva uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	putRVA(img, rva, buf[:])
}

func putUint64(img *Image, rva uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	putRVA(img, rva, buf[:])
}

func TestReadCStringTranslatesThroughSections(t *testing.T) {
	img := newTestImage()
	rva := testSectionVA + 0x10
	putRVA(img, rva, append([]byte("kernel32.dll"), 0, 'X'))

	if got := img.readCString(rva); got != "kernel32.dll" {
		t.Errorf("readCString = %q, want kernel32.dll", got)
	}
	if got := img.readCString(testSectionVA + testSectionSize); got != "" {
		t.Errorf("readCString past end = %q, want empty", got)
	}
}

func TestParseExceptionDirectoryEmpty(t *testing.T) {
	img := newTestImage()
	out, err := img.parseExceptionDirectory(pe.DataDirectory{})
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("got %v, want nil for an absent directory", out)
	}
}

func TestParseExceptionDirectoryWalksRuntimeFunctions(t *testing.T) {
	img := newTestImage()
	rva := testSectionVA + 0x10
	putRuntimeFunction(img, rva, RuntimeFunction{BeginAddress: 0x1000, EndAddress: 0x1010, UnwindInfoAddress: 0x3000})
	putRuntimeFunction(img, rva+12, RuntimeFunction{BeginAddress: 0x1010, EndAddress: 0x1030, UnwindInfoAddress: 0x3010})

	dir := pe.DataDirectory{VirtualAddress: uint32(rva), Size: 24}
	out, err := img.parseExceptionDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d runtime functions, want 2", len(out))
	}
	if out[0].BeginAddress != 0x1000 || out[1].BeginAddress != 0x1010 {
		t.Errorf("unexpected begin addresses: %+v", out)
	}
}

func TestParseExceptionDirectoryOutOfBounds(t *testing.T) {
	img := newTestImage()
	dir := pe.DataDirectory{VirtualAddress: uint32(testSectionVA + testSectionSize - 4), Size: 24}
	_, err := img.parseExceptionDirectory(dir)
	if err == nil {
		t.Fatal("want error for out-of-bounds directory")
	}
}

func TestWalkImportDirectorySingleModule(t *testing.T) {
	img := newTestImage()

	moduleNameRVA := testSectionVA + 0x300
	putRVA(img, moduleNameRVA, append([]byte("KERNEL32.dll"), 0))

	routineNameRVA := testSectionVA + 0x320
	// 2-byte hint, then the null-terminated routine name.
	putUint32(img, routineNameRVA, 0) // zeroes the 2-byte hint plus 2 pad bytes
	putRVA(img, routineNameRVA+2, append([]byte("ExitProcess"), 0))

	thunkArrayRVA := testSectionVA + 0x200
	firstThunkRVA := testSectionVA + 0x220 // the IAT
	putUint64(img, thunkArrayRVA, routineNameRVA)
	putUint64(img, thunkArrayRVA+8, 0) // terminator
	putUint64(img, firstThunkRVA, routineNameRVA)
	putUint64(img, firstThunkRVA+8, 0)

	descRVA := testSectionVA + 0x100
	putUint32(img, descRVA, uint32(thunkArrayRVA))    // OriginalFirstThunk
	putUint32(img, descRVA+12, uint32(moduleNameRVA)) // Name
	putUint32(img, descRVA+16, uint32(firstThunkRVA)) // FirstThunk
	// next descriptor (at descRVA+20) is all-zero, terminating the table.

	dir := pe.DataDirectory{VirtualAddress: uint32(descRVA), Size: 40}
	thunks, err := img.walkImportDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(thunks) != 1 {
		t.Fatalf("got %d thunks, want 1: %+v", len(thunks), thunks)
	}
	got := thunks[0]
	if got.RVA != firstThunkRVA || got.Module != "KERNEL32.dll" || got.Routine != "ExitProcess" {
		t.Errorf("thunk = %+v, want {rva:%#x KERNEL32.dll ExitProcess}", got, firstThunkRVA)
	}
}

func TestWalkImportDirectoryOrdinalImport(t *testing.T) {
	img := newTestImage()
	moduleNameRVA := testSectionVA + 0x300
	putRVA(img, moduleNameRVA, append([]byte("WS2_32.dll"), 0))

	thunkArrayRVA := testSectionVA + 0x200
	firstThunkRVA := testSectionVA + 0x220
	const ordinalFlag = uint64(1) << 63
	ordinalEntry := ordinalFlag | 6 // import ordinal 6
	putUint64(img, thunkArrayRVA, ordinalEntry)
	putUint64(img, firstThunkRVA, ordinalEntry)

	descRVA := testSectionVA + 0x100
	putUint32(img, descRVA, uint32(thunkArrayRVA))
	putUint32(img, descRVA+12, uint32(moduleNameRVA))
	putUint32(img, descRVA+16, uint32(firstThunkRVA))

	dir := pe.DataDirectory{VirtualAddress: uint32(descRVA), Size: 40}
	thunks, err := img.walkImportDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(thunks) != 1 || thunks[0].Routine != "#6" {
		t.Fatalf("thunks = %+v, want a single ordinal-6 import", thunks)
	}
}

func TestWalkImportDirectoryEmpty(t *testing.T) {
	img := newTestImage()
	thunks, err := img.walkImportDirectory(pe.DataDirectory{})
	if err != nil {
		t.Fatal(err)
	}
	if thunks != nil {
		t.Errorf("got %v, want nil for an absent directory", thunks)
	}
}

func TestDirectoriesOfOutOfRange(t *testing.T) {
	importDir, exceptionDir := directoriesOf(nil)
	if importDir.VirtualAddress != 0 || exceptionDir.VirtualAddress != 0 {
		t.Errorf("want zero-value directories when the table is empty")
	}
}
