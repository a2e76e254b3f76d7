package fingerprint

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
	err  error
}

var (
	filesMu sync.Mutex
	files   = map[string]*parsedFile{}
)

// source returns the comment-free source text of fn, located through the
// runtime symbol table. Functions whose file is not on disk (stripped or
// relocated binaries, generated wrappers) report false.
func source(fn any) (string, bool) {
	if fn == nil {
		return "", false
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return "", false
	}
	rf := runtime.FuncForPC(rv.Pointer())
	if rf == nil {
		return "", false
	}
	path, line := rf.FileLine(rf.Entry())
	if path == "" || !strings.HasSuffix(path, ".go") {
		return "", false
	}

	pf := parse(path)
	if pf.err != nil {
		return "", false
	}

	node := locate(pf, line, isClosure(rf.Name()))
	if node == nil {
		return "", false
	}

	var buf bytes.Buffer
	if err := printer.Fprint(&buf, pf.fset, node); err != nil {
		return "", false
	}
	return squeeze(buf.String()), true
}

func parse(path string) *parsedFile {
	filesMu.Lock()
	defer filesMu.Unlock()

	if pf, ok := files[path]; ok {
		return pf
	}
	fset := token.NewFileSet()
	// Comments are not parsed, so comment-only edits keep the version.
	f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	pf := &parsedFile{fset: fset, file: f, err: err}
	files[path] = pf
	return pf
}

// isClosure reports whether a runtime symbol names a function literal
// (pkg.Outer.func1, pkg.Outer.func1.2, pkg.init.func3).
func isClosure(name string) bool {
	i := strings.LastIndex(name, ".func")
	if i < 0 {
		return false
	}
	rest := name[i+len(".func"):]
	return rest != "" && rest[0] >= '0' && rest[0] <= '9'
}

// locate finds the declaration or literal that starts on line. The name of a
// declared function is dropped so that only its signature and body count.
//
// The runtime reports only a line, so when several function literals start
// on the same line the first one is chosen and they all share its version.
// Such closures need separate lines or a declared version.
func locate(pf *parsedFile, line int, closure bool) ast.Node {
	var found ast.Node
	ast.Inspect(pf.file, func(n ast.Node) bool {
		if found != nil || n == nil {
			return false
		}
		switch fn := n.(type) {
		case *ast.FuncDecl:
			if !closure && fn.Body != nil && pf.fset.Position(fn.Pos()).Line == line {
				lit := &ast.FuncLit{Type: fn.Type, Body: fn.Body}
				if fn.Recv != nil {
					found = &ast.FuncDecl{Recv: fn.Recv, Name: ast.NewIdent("_"), Type: fn.Type, Body: fn.Body}
				} else {
					found = lit
				}
				return false
			}
		case *ast.FuncLit:
			if closure && pf.fset.Position(fn.Pos()).Line == line {
				found = fn
				return false
			}
		}
		return true
	})
	return found
}

// squeeze drops blank lines and trailing spaces. Positions of removed
// comments otherwise leave vertical gaps in the printed text.
func squeeze(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
