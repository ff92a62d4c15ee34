package instrument

import (
	"go/parser"
	"go/token"
	"reflect"
	"strings"
	"testing"
)

type renamePass struct{}

func (renamePass) Name() string { return "test-rename" }

// Run appends a comment to every file so chaining is observable.
func (renamePass) Run(srcs []Source, _ Options) ([]*InstrumentResult, error) {
	out := make([]*InstrumentResult, len(srcs))
	for i, s := range srcs {
		out[i] = &InstrumentResult{Name: s.Name, Code: string(s.Src) + "\n// renamed\n"}
	}
	return out, nil
}

func TestRegistry(t *testing.T) {
	if _, ok := Lookup(MemorySafety); !ok {
		t.Fatalf("%s pass not registered", MemorySafety)
	}
	if err := Register(memorySafetyPass{}); err == nil {
		t.Error("duplicate registration succeeded")
	}

	if err := Register(renamePass{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer func() {
		passesMu.Lock()
		delete(passes, "test-rename")
		passesMu.Unlock()
	}()

	names := Passes()
	if !reflect.DeepEqual(names, []string{MemorySafety, "test-rename"}) {
		t.Errorf("Passes() = %v", names)
	}
}

func TestRunPasses(t *testing.T) {
	if err := Register(renamePass{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer func() {
		passesMu.Lock()
		delete(passes, "test-rename")
		passesMu.Unlock()
	}()

	srcs := []Source{{Name: "a.go", Src: []byte("package p\n\nfunc f(p *int) int { return *p }\n")}}
	res, err := RunPasses([]string{MemorySafety, "test-rename"}, srcs, Options{})
	if err != nil {
		t.Fatalf("RunPasses failed: %v", err)
	}
	code := res[0].Code
	if !strings.Contains(code, "memsafe.Deref(p, false)") || !strings.HasSuffix(code, "// renamed\n") {
		t.Errorf("passes not chained:\n%s", code)
	}

	if _, err := RunPasses(nil, srcs, Options{}); err == nil {
		t.Error("expected an error with no passes")
	}
	if _, err := RunPasses([]string{"nope"}, srcs, Options{}); err == nil || !strings.Contains(err.Error(), MemorySafety) {
		t.Errorf("unknown pass error should list available passes, got %v", err)
	}
}

func TestAllocTable_Add(t *testing.T) {
	tests := []struct {
		spec    string
		def     AllocKind
		name    string
		want    AllocKind
		wantErr bool
	}{
		{spec: "xmalloc", def: AllocMalloc, name: "xmalloc", want: AllocMalloc},
		{spec: "xfree", def: AllocFree, name: "xfree", want: AllocFree},
		{spec: "pool.Grow=realloc", def: AllocMalloc, name: "pool.Grow", want: AllocRealloc},
		{spec: " zalloc = calloc ", def: AllocMalloc, name: "zalloc", want: AllocCalloc},
		{spec: "=malloc", def: AllocMalloc, wantErr: true},
		{spec: "f=mmap", def: AllocMalloc, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			tbl := AllocTable{}
			err := tbl.Add(tt.spec, tt.def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Add(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got, ok := tbl[tt.name]; !ok || got != tt.want {
				t.Errorf("tbl[%q] = %v, %v; want %v", tt.name, got, ok, tt.want)
			}
		})
	}
}

func TestAllocTable_Names(t *testing.T) {
	got := DefaultAllocTable().Names()
	want := []string{"C.calloc", "C.free", "C.malloc", "C.realloc"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if AllocRealloc.String() != "realloc" || AllocKind(9).String() != "AllocKind(9)" {
		t.Errorf("unexpected kind names %q %q", AllocRealloc, AllocKind(9))
	}
}

func TestInstrumentationError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *InstrumentationError
		expected string
	}{
		{
			name:     "without suggestion",
			err:      &InstrumentationError{File: "main.go", Line: 42, Column: 15, Message: "array operand is not addressable; access not checked"},
			expected: "main.go:42:15: array operand is not addressable; access not checked",
		},
		{
			name: "with suggestion",
			err: &InstrumentationError{
				File: "buf.go", Line: 7, Column: 2,
				Message:    "index base has side effects; access not checked",
				Suggestion: "assign the slice to a local variable first",
			},
			expected: "buf.go:7:2: index base has side effects; access not checked\n\nSuggestion: assign the slice to a local variable first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNewInstrumentationError(t *testing.T) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "main.go", "package main\n\nfunc main() {\n\tx := 42\n\t_ = x\n}\n", 0)
	if err != nil {
		t.Fatal(err)
	}
	pos := f.Name.Pos()
	e := NewInstrumentationError(fset, pos, "msg")
	if e.File != "main.go" || e.Line != 1 || e.Column != 9 || e.Suggestion != "" {
		t.Errorf("unexpected position %+v", e)
	}
	e = NewInstrumentationErrorWithSuggestion(fset, pos, "msg", "hint")
	if e.Suggestion != "hint" || !strings.HasSuffix(e.Error(), "Suggestion: hint") {
		t.Errorf("unexpected error %q", e.Error())
	}
}
