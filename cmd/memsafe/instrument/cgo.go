package instrument

import (
	"go/token"
	"go/types"
)

// cgoImporter resolves import "C" to a package declaring the C allocation
// functions and scalar types, so that memory obtained from C.malloc has a
// type and conversions such as (*[16]byte)(C.malloc(10)) can be checked.
// Other names of package C stay unresolved.
type cgoImporter struct {
	types.Importer
	c *types.Package
}

func newCgoImporter(imp types.Importer) *cgoImporter {
	return &cgoImporter{Importer: imp, c: cgoPackage()}
}

func (i *cgoImporter) Import(path string) (*types.Package, error) {
	if path == "C" {
		return i.c, nil
	}
	return i.Importer.Import(path)
}

func (i *cgoImporter) ImportFrom(path, dir string, mode types.ImportMode) (*types.Package, error) {
	if path == "C" {
		return i.c, nil
	}
	if from, ok := i.Importer.(types.ImporterFrom); ok {
		return from.ImportFrom(path, dir, mode)
	}
	return i.Importer.Import(path)
}

// cgoScalars maps C type names to the Go kinds cgo gives them on 64-bit
// platforms.
var cgoScalars = []struct {
	name string
	kind types.BasicKind
}{
	{"char", types.Int8},
	{"schar", types.Int8},
	{"uchar", types.Uint8},
	{"short", types.Int16},
	{"ushort", types.Uint16},
	{"int", types.Int32},
	{"uint", types.Uint32},
	{"long", types.Int64},
	{"ulong", types.Uint64},
	{"longlong", types.Int64},
	{"ulonglong", types.Uint64},
	{"float", types.Float32},
	{"double", types.Float64},
}

func cgoPackage() *types.Package {
	pkg := types.NewPackage("C", "C")
	scope := pkg.Scope()
	named := map[string]*types.Named{}
	for _, s := range cgoScalars {
		tn := types.NewTypeName(token.NoPos, pkg, s.name, nil)
		named[s.name] = types.NewNamed(tn, types.Typ[s.kind], nil)
		scope.Insert(tn)
	}

	// size_t is an alias of ulong, as in cgo.
	sizeT := types.NewAlias(types.NewTypeName(token.NoPos, pkg, "size_t", nil), named["ulong"])
	scope.Insert(sizeT.Obj())

	ptr := types.Typ[types.UnsafePointer]
	charPtr := types.NewPointer(named["char"])
	fn := func(name string, params []types.Type, results ...types.Type) {
		vars := func(ts []types.Type) *types.Tuple {
			vs := make([]*types.Var, len(ts))
			for i, t := range ts {
				vs[i] = types.NewParam(token.NoPos, pkg, "", t)
			}
			return types.NewTuple(vs...)
		}
		sig := types.NewSignatureType(nil, nil, nil, vars(params), vars(results), false)
		scope.Insert(types.NewFunc(token.NoPos, pkg, name, sig))
	}
	fn("malloc", []types.Type{sizeT}, ptr)
	fn("calloc", []types.Type{sizeT, sizeT}, ptr)
	fn("realloc", []types.Type{ptr, sizeT}, ptr)
	fn("free", []types.Type{ptr})
	fn("CString", []types.Type{types.Typ[types.String]}, charPtr)
	fn("CBytes", []types.Type{types.NewSlice(types.Typ[types.Byte])}, ptr)
	fn("GoString", []types.Type{charPtr}, types.Typ[types.String])
	fn("GoStringN", []types.Type{charPtr, named["int"]}, types.Typ[types.String])
	fn("GoBytes", []types.Type{ptr, named["int"]}, types.NewSlice(types.Typ[types.Byte]))

	pkg.MarkComplete()
	return pkg
}
