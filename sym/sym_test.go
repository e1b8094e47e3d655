package sym

import "testing"

func TestInternCodeNotDeduplicated(t *testing.T) {
	var t1 Table
	a := t1.InternCode(5, "")
	b := t1.InternCode(5, "")
	if a == b {
		t.Fatalf("InternCode deduplicated: got same id %d twice", a)
	}
}

func TestInternImportDeduplicated(t *testing.T) {
	var t1 Table
	a := t1.InternImport("ntdll.dll", "CloseHandle")
	b := t1.InternImport("ntdll.dll", "CloseHandle")
	if a != b {
		t.Fatalf("InternImport did not deduplicate: got %d and %d", a, b)
	}
	c := t1.InternImport("ntdll.dll", "NtClose")
	if c == a {
		t.Fatalf("InternImport collapsed distinct routines")
	}
}

func TestInternImportSlotsSequential(t *testing.T) {
	var t1 Table
	a := t1.InternImport("kernel32.dll", "CreateFileW")
	b := t1.InternImport("kernel32.dll", "ReadFile")
	c := t1.InternImport("ntdll.dll", "NtClose")

	sa, err := t1.Lookup(a)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := t1.Lookup(b)
	if err != nil {
		t.Fatal(err)
	}
	sc, err := t1.Lookup(c)
	if err != nil {
		t.Fatal(err)
	}
	if sa.Import.Slot != 0 || sb.Import.Slot != 1 {
		t.Errorf("want slots 0,1 for kernel32.dll routines, got %d,%d", sa.Import.Slot, sb.Import.Slot)
	}
	if sc.Import.Slot != 0 {
		t.Errorf("want slot 0 for first ntdll.dll routine, got %d", sc.Import.Slot)
	}
}

func TestLookupInvalid(t *testing.T) {
	var t1 Table
	if _, err := t1.Lookup(Invalid); err != ErrInvalidSymbol {
		t.Fatalf("Lookup(Invalid) = %v, want ErrInvalidSymbol", err)
	}
	t1.InternCode(0, "")
	if _, err := t1.Lookup(ID(99)); err != ErrInvalidSymbol {
		t.Fatalf("Lookup(99) = %v, want ErrInvalidSymbol", err)
	}
}

func TestSymbolIDsDenseFromOne(t *testing.T) {
	var t1 Table
	ids := []ID{
		t1.InternCode(0, ""),
		t1.InternData(1, 4, ""),
		t1.InternImport("a.dll", "f"),
	}
	for i, id := range ids {
		if id != ID(i+1) {
			t.Errorf("id[%d] = %d, want %d", i, id, i+1)
		}
	}
	if t1.Len() != 3 {
		t.Errorf("Len() = %d, want 3", t1.Len())
	}
}

func TestImports(t *testing.T) {
	var t1 Table
	t1.InternCode(0, "")
	t1.InternImport("a.dll", "f")
	t1.InternImport("a.dll", "g")

	imports := t1.Imports()
	if len(imports) != 2 {
		t.Fatalf("Imports() returned %d symbols, want 2", len(imports))
	}
	for _, s := range imports {
		if s.Kind != KindImport {
			t.Errorf("Imports() returned non-import symbol %v", s)
		}
	}
}
