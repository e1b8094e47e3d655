// Package peimage implements the rewriter's concrete PE reader: it
// satisfies disasm.Image directly so the core packages never import a PE
// parsing library themselves.
package peimage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Binject/debug/pe"

	"github.com/binrw/pestab/arch"
	"github.com/binrw/pestab/disasm"
)

// layout is the byte layout of every directory record this package
// decodes: x64 PE records (RUNTIME_FUNCTION RVAs, import descriptor
// fields, IAT thunks) are all little-endian.
var layout = arch.NewLayout(binary.LittleEndian, 8)

// Binject/debug/pe exposes DataDirectory slots positionally but, unlike
// some forks, does not export named indices into it; carved4's resolver
// defines its own constants for the same reason.
const (
	imageDirectoryEntryImport    = 1
	imageDirectoryEntryException = 3
)

const imageSCNMemExecute = 0x20000000

// RuntimeFunction is one decoded .pdata entry (x64 exception directory):
// a function's address range and its unwind data, used only as a seed
// source (spec.md §3's "exception directory BeginAddresses").
type RuntimeFunction struct {
	BeginAddress     uint32
	EndAddress       uint32
	UnwindInfoAddress uint32
}

// Image wraps a parsed PE file and implements disasm.Image.
type Image struct {
	raw      []byte
	sections []disasm.Section
	entry    uint64
	thunks   []disasm.ImportThunk
	runtimeFuncs []RuntimeFunction
}

// Load parses a PE image from data. data is retained (not copied) and
// must not be mutated while the returned Image is in use.
func Load(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("peimage: %w", err)
	}

	img := &Image{raw: data}

	var importDir, exceptionDir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.entry = uint64(oh.AddressOfEntryPoint)
		importDir, exceptionDir = directoriesOf(oh.DataDirectory[:])
	case *pe.OptionalHeader64:
		img.entry = uint64(oh.AddressOfEntryPoint)
		importDir, exceptionDir = directoriesOf(oh.DataDirectory[:])
	default:
		return nil, fmt.Errorf("peimage: unsupported optional header type")
	}

	for _, sec := range f.Sections {
		content, derr := sec.Data()
		if derr != nil && sec.Size > 0 {
			return nil, fmt.Errorf("peimage: reading section %s: %w", sec.Name, derr)
		}
		img.sections = append(img.sections, disasm.Section{
			Name:           sec.Name,
			VirtualAddress: uint64(sec.VirtualAddress),
			VirtualSize:    uint64(sec.VirtualSize),
			FileOffset:     uint64(sec.Offset),
			FileSize:       uint64(len(content)),
			Executable:     sec.Characteristics&imageSCNMemExecute != 0,
		})
	}

	img.runtimeFuncs, err = img.parseExceptionDirectory(exceptionDir)
	if err != nil {
		return nil, err
	}

	img.thunks, err = img.walkImportDirectory(importDir)
	if err != nil {
		return nil, err
	}

	return img, nil
}

// readAt translates rva to a file offset through the section table and
// returns up to n bytes from the raw image, clipped to the covering
// section's file-backed extent — the same translation disasm.readAt
// applies when reading instruction bytes, needed here because directory
// contents (RUNTIME_FUNCTION records, import descriptors) are addressed
// by RVA while Load only has the file image to index.
func (img *Image) readAt(rva uint64, n int) ([]byte, bool) {
	for _, sec := range img.sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.VirtualSize {
			continue
		}
		within := rva - sec.VirtualAddress
		if within >= sec.FileSize {
			return nil, false
		}
		fileOff := sec.FileOffset + within
		avail := sec.FileSize - within
		if uint64(n) > avail {
			n = int(avail)
		}
		if fileOff+uint64(n) > uint64(len(img.raw)) {
			if fileOff >= uint64(len(img.raw)) {
				return nil, false
			}
			n = len(img.raw) - int(fileOff)
		}
		return img.raw[fileOff : fileOff+uint64(n)], true
	}
	return nil, false
}

// readCString reads a NUL-terminated string starting at rva, translating
// through the section table the same way readAt does.
func (img *Image) readCString(rva uint64) string {
	var out []byte
	for {
		chunk, ok := img.readAt(rva+uint64(len(out)), 64)
		if !ok || len(chunk) == 0 {
			return string(out)
		}
		if idx := bytes.IndexByte(chunk, 0); idx >= 0 {
			return string(append(out, chunk[:idx]...))
		}
		out = append(out, chunk...)
	}
}

func directoriesOf(dirs []pe.DataDirectory) (importDir, exceptionDir pe.DataDirectory) {
	if len(dirs) > imageDirectoryEntryImport {
		importDir = dirs[imageDirectoryEntryImport]
	}
	if len(dirs) > imageDirectoryEntryException {
		exceptionDir = dirs[imageDirectoryEntryException]
	}
	return importDir, exceptionDir
}

// Bytes implements disasm.Image.
func (img *Image) Bytes() []byte { return img.raw }

// Sections implements disasm.Image.
func (img *Image) Sections() []disasm.Section { return img.sections }

// EntryRVA implements disasm.Image.
func (img *Image) EntryRVA() uint64 { return img.entry }

// ImportThunks implements disasm.Image.
func (img *Image) ImportThunks() []disasm.ImportThunk { return img.thunks }

// SeedRVAs implements disasm.Image: every exception-directory
// BeginAddress plus the entry point (spec.md §3). With an absent or empty
// exception directory it returns no seeds, so disasm.Run seeds from the
// entry point alone and reports LowCoverage.
func (img *Image) SeedRVAs() []uint64 {
	if len(img.runtimeFuncs) == 0 {
		return nil
	}
	seeds := make([]uint64, 0, len(img.runtimeFuncs)+1)
	seeds = append(seeds, img.entry)
	for _, rf := range img.runtimeFuncs {
		seeds = append(seeds, uint64(rf.BeginAddress))
	}
	return seeds
}

// RuntimeFunctions returns every parsed .pdata entry, for callers that
// want the raw exception directory rather than just its seed RVAs.
func (img *Image) RuntimeFunctions() []RuntimeFunction { return img.runtimeFuncs }

const runtimeFunctionSize = 12

// parseExceptionDirectory reads the x64 exception directory (an array of
// 12-byte RUNTIME_FUNCTION records), translating each record's RVA
// through the section table via readAt the same way the import
// descriptor walk below does. An absent or empty directory is valid
// (spec.md's LowCoverage case, not an error here).
func (img *Image) parseExceptionDirectory(dir pe.DataDirectory) ([]RuntimeFunction, error) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	n := int(dir.Size) / runtimeFunctionSize
	out := make([]RuntimeFunction, 0, n)
	for i := 0; i < n; i++ {
		rva := uint64(dir.VirtualAddress) + uint64(i*runtimeFunctionSize)
		rec, ok := img.readAt(rva, runtimeFunctionSize)
		if !ok || len(rec) < runtimeFunctionSize {
			return nil, fmt.Errorf("peimage: exception directory entry at rva %#x out of bounds", rva)
		}
		out = append(out, RuntimeFunction{
			BeginAddress:      layout.Uint32(rec[0:4]),
			EndAddress:        layout.Uint32(rec[4:8]),
			UnwindInfoAddress: layout.Uint32(rec[8:12]),
		})
	}
	return out, nil
}

const importDescriptorSize = 20

// walkImportDirectory manually walks the import descriptor table and
// each module's import address table, grounded on
// carved4-pure-go-http-memexec's ResolveImports: Binject's fork doesn't
// expose a higher-level import-walk API, so the raw-struct walk is
// reused here, minus the LoadLibrary/GetProcAddress calls (this package
// only records which (module, routine) each thunk slot names; resolving
// them to runtime addresses is emit's job, supplied by the caller's
// Resolver). Unlike carved4's version, which walks a VirtualAlloc'd
// image where RVA and buffer offset coincide, every RVA read here goes
// through readAt to translate into the raw file image's own offsets.
func (img *Image) walkImportDirectory(dir pe.DataDirectory) ([]disasm.ImportThunk, error) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}

	var thunks []disasm.ImportThunk
	for off := uint64(0); ; off += importDescriptorSize {
		descRVA := uint64(dir.VirtualAddress) + off
		desc, ok := img.readAt(descRVA, importDescriptorSize)
		if !ok || len(desc) < importDescriptorSize {
			break
		}
		nameRVA := layout.Uint32(desc[12:16])
		if nameRVA == 0 {
			break // null descriptor terminates the table
		}
		firstThunkRVA := uint64(layout.Uint32(desc[16:20]))
		originalFirstThunkRVA := uint64(layout.Uint32(desc[0:4]))

		moduleName := img.readCString(uint64(nameRVA))
		if moduleName == "" {
			return nil, fmt.Errorf("peimage: empty module name at rva %#x", nameRVA)
		}

		thunkRVA := originalFirstThunkRVA
		if thunkRVA == 0 {
			thunkRVA = firstThunkRVA
		}

		for i := uint64(0); ; i++ {
			entry, ok := img.readAt(thunkRVA+i*8, 8)
			if !ok || len(entry) < 8 {
				break
			}
			ordinal := layout.Uint64(entry)
			if ordinal == 0 {
				break
			}

			var routine string
			if ordinal&0x8000000000000000 != 0 {
				routine = fmt.Sprintf("#%d", uint16(ordinal&0xffff))
			} else {
				hintNameRVA := uint64(uint32(ordinal)) + 2 // skip the 2-byte hint
				routine = img.readCString(hintNameRVA)
			}

			thunks = append(thunks, disasm.ImportThunk{
				RVA:     firstThunkRVA + i*8,
				Module:  moduleName,
				Routine: routine,
			})
		}
	}
	return thunks, nil
}
