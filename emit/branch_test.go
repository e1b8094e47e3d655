package emit

import "testing"

func TestClassifyBranchOpcodeFamilies(t *testing.T) {
	cases := []struct {
		name  string
		bytes []byte
		want  branchKind
	}{
		{"jmp rel32", []byte{0xe9, 0, 0, 0, 0}, kindJmp},
		{"jmp rel8", []byte{0xeb, 0}, kindJmp},
		{"call rel32", []byte{0xe8, 0, 0, 0, 0}, kindCall},
		{"je rel8", []byte{0x74, 0}, kindJcc},
		{"je rel32", []byte{0x0f, 0x84, 0, 0, 0, 0}, kindJcc},
		{"loop", []byte{0xe2, 0}, kindLoop},
		{"jcxz", []byte{0xe3, 0}, kindLoop},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, _, _, _, err := classifyBranchOpcode(c.bytes)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if kind != c.want {
				t.Errorf("kind = %v, want %v", kind, c.want)
			}
		})
	}
}

func TestChooseBranchFormPrefersShort(t *testing.T) {
	form, err := chooseBranchForm(kindJmp, 0, 0xeb, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if form.fieldWidth != 1 {
		t.Errorf("field width = %d, want 1 (short form preferred)", form.fieldWidth)
	}
}

func TestChooseBranchFormFallsBackToLong(t *testing.T) {
	form, err := chooseBranchForm(kindJmp, 0, 0xeb, 0, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if form.fieldWidth != 4 {
		t.Errorf("field width = %d, want 4 (long form)", form.fieldWidth)
	}
}

func TestChooseBranchFormCallOutOfRange(t *testing.T) {
	_, err := chooseBranchForm(kindCall, 0, 0xe8, 0, int64(1)<<40)
	if _, ok := err.(*BranchOutOfRange); !ok {
		t.Fatalf("err = %v, want *BranchOutOfRange", err)
	}
}

func TestChooseBranchFormLoopHasNoLongForm(t *testing.T) {
	_, err := chooseBranchForm(kindLoop, 0, 0xe2, 0, 100000)
	if _, ok := err.(*BranchOutOfRange); !ok {
		t.Fatalf("err = %v, want *BranchOutOfRange (loop family has no rel32 form)", err)
	}
}
