package span

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log"
	"reflect"
)

// TransformStats summarizes one transform pass over a single file.
type TransformStats struct {
	EventsApplied   int      `json:"events_applied" msgpack:"ea"`
	EventsSkipped   int      `json:"events_skipped" msgpack:"es"`
	RangesApplied   int      `json:"ranges_applied" msgpack:"ra"`
	RangesSkipped   int      `json:"ranges_skipped" msgpack:"rs"`
	RangesUnmatched int      `json:"ranges_unmatched" msgpack:"ru"`
	Warnings        []string `json:"warnings,omitempty" msgpack:"w,omitempty"`
}

// Changed reports whether the pass modified the tree.
func (s *TransformStats) Changed() bool {
	return s.EventsApplied > 0 || s.RangesApplied > 0
}

// Transformer rewrites the statement lists of one parsed file according to
// a FileConfig. Ranges wrap contiguous sibling statements in scoped guards,
// events splice statements next to the statement at their line, and both
// are applied independently at every nesting level. Only statements inside
// function bodies are addressable; file-scope declarations own no
// statement list.
//
// A Transformer is single use: the applied-range marker set spans one pass.
type Transformer struct {
	fset    *token.FileSet
	events  map[int]Event
	ranges  []Range
	applied map[rangeKey]struct{}
	stats   TransformStats
}

// NewTransformer validates config and builds a Transformer for a single
// file parsed with fset. Construction fails with ErrInvalidConfig before
// any tree is touched.
func NewTransformer(fset *token.FileSet, config FileConfig) (*Transformer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{
		fset:    fset,
		events:  eventsByLine(config.Events),
		ranges:  enabledRanges(config.Ranges),
		applied: make(map[rangeKey]struct{}),
	}, nil
}

// Transform applies the configured ranges and events to file and reports
// what was done. Ranges that never matched a statement run anywhere in the
// file are counted as unmatched and warned about.
func (t *Transformer) Transform(file *ast.File) *TransformStats {
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Body != nil {
				t.transformBlock(d.Body)
			}
		case *ast.GenDecl:
			t.transformChildren(d) // function literals in var initializers
		}
	}
	for _, r := range t.ranges {
		if _, ok := t.applied[r.key()]; !ok {
			t.stats.RangesUnmatched++
			t.warnf("range [%d, %d] matched no statement run", r.StartLine, r.EndLine)
		}
	}
	return &t.stats
}

func (t *Transformer) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.stats.Warnings = append(t.stats.Warnings, msg)
	log.Printf("%s%s", ErrorLogPrefix, msg)
}

// lineFor resolves a statement's starting source line, 0 for synthetic
// statements without position information.
func (t *Transformer) lineFor(stmt ast.Stmt) int {
	return t.fset.Position(stmt.Pos()).Line
}

func (t *Transformer) transformBlock(block *ast.BlockStmt) {
	if block == nil {
		return
	}
	block.List = t.transformList(block.List)
}

// transformList rewrites one level of sibling statements: range wrapping
// first, then event injection, then recursion into the nested lists of
// whatever the level now contains. Statements moved inside a guard keep
// their positions, so events addressed within a wrapped window still apply
// when the guard body is visited.
func (t *Transformer) transformList(list []ast.Stmt) []ast.Stmt {
	list = t.wrapRanges(list)
	list = t.injectEvents(list)
	for _, stmt := range list {
		t.transformChildren(stmt)
	}
	return list
}

// transformChildren locates the nested statement lists owned by n and
// transforms each at its own level. Descent stops wherever a nested list
// takes over so no list is processed twice. Switch and select bodies are
// walked clause by clause; their block statements hold clauses, not
// ordinary statements, and must never be rewritten as a plain list.
func (t *Transformer) transformChildren(n ast.Node) {
	ast.Inspect(n, func(node ast.Node) bool {
		switch x := node.(type) {
		case *ast.SwitchStmt:
			if x.Init != nil {
				t.transformChildren(x.Init)
			}
			if x.Tag != nil {
				t.transformChildren(x.Tag)
			}
			t.transformClauses(x.Body)
			return false
		case *ast.TypeSwitchStmt:
			if x.Init != nil {
				t.transformChildren(x.Init)
			}
			t.transformChildren(x.Assign)
			t.transformClauses(x.Body)
			return false
		case *ast.SelectStmt:
			t.transformClauses(x.Body)
			return false
		case *ast.CaseClause:
			for _, e := range x.List {
				t.transformChildren(e)
			}
			x.Body = t.transformList(x.Body)
			return false
		case *ast.CommClause:
			if x.Comm != nil {
				t.transformChildren(x.Comm)
			}
			x.Body = t.transformList(x.Body)
			return false
		case *ast.BlockStmt:
			t.transformBlock(x)
			return false
		case *ast.FuncLit:
			t.transformBlock(x.Body)
			return false
		}
		return true
	})
}

func (t *Transformer) transformClauses(body *ast.BlockStmt) {
	if body == nil {
		return
	}
	for _, clause := range body.List {
		t.transformChildren(clause)
	}
}

// wrapRanges replaces each contiguous run of statements matching an
// enabled, not yet applied range with one guarded construct. A matched
// range is marked applied by its identity whether or not its guard parses,
// so revisiting the same line window in a nested scope can never wrap it
// again. Scanning resumes after each collected run.
func (t *Transformer) wrapRanges(list []ast.Stmt) []ast.Stmt {
	if len(t.ranges) == 0 || len(list) == 0 {
		return list
	}
	out := make([]ast.Stmt, 0, len(list))
	for i := 0; i < len(list); {
		stmt := list[i]
		r, ok := t.matchRange(t.lineFor(stmt))
		if !ok {
			out = append(out, stmt)
			i++
			continue
		}
		t.applied[r.key()] = struct{}{}
		run := []ast.Stmt{stmt}
		j := i + 1
		for j < len(list) && t.fset.Position(list[j].Pos()).Line <= r.EndLine {
			run = append(run, list[j])
			j++
		}
		if guard, err := parser.ParseExpr(r.Guard); err != nil {
			t.stats.RangesSkipped++
			t.warnf("range [%d, %d] guard %q does not parse: %v", r.StartLine, r.EndLine, r.Guard, err)
			out = append(out, run...)
		} else {
			scrubPositions(guard)
			out = append(out, wrapStmts(guard, run))
			t.stats.RangesApplied++
		}
		i = j
	}
	return out
}

// matchRange returns the first enabled, unapplied range starting at line.
func (t *Transformer) matchRange(line int) (Range, bool) {
	for _, r := range t.ranges {
		if r.StartLine > line {
			break // sorted ascending, nothing further can match
		}
		if r.StartLine == line {
			if _, done := t.applied[r.key()]; !done {
				return r, true
			}
		}
	}
	return Range{}, false
}

// wrapStmts builds the scoped guard construct replacing a matched run:
//
//	func() {
//		defer guard()
//		// run
//	}()
//
// The guard expression is evaluated when the defer executes (region entry)
// and must yield the func() invoked at region exit, panics included. The
// wrapped statements form a new lexical scope; identifiers they declare
// are not visible after the range.
func wrapStmts(guard ast.Expr, run []ast.Stmt) ast.Stmt {
	body := make([]ast.Stmt, 0, len(run)+1)
	body = append(body, &ast.DeferStmt{
		Call: &ast.CallExpr{Fun: guard},
	})
	body = append(body, run...)
	return &ast.ExprStmt{
		X: &ast.CallExpr{
			Fun: &ast.FuncLit{
				Type: &ast.FuncType{Params: &ast.FieldList{}},
				Body: &ast.BlockStmt{List: body},
			},
		},
	}
}

// injectEvents splices each line's event next to every statement starting
// on that line. The target statement itself is never modified; an
// unparsable event leaves it exactly as parsed and records a warning.
func (t *Transformer) injectEvents(list []ast.Stmt) []ast.Stmt {
	if len(t.events) == 0 || len(list) == 0 {
		return list
	}
	out := make([]ast.Stmt, 0, len(list))
	for _, stmt := range list {
		ev, ok := t.events[t.lineFor(stmt)]
		if !ok {
			out = append(out, stmt)
			continue
		}
		injected, err := parseInjection(ev.Expr)
		if err != nil {
			t.stats.EventsSkipped++
			t.warnf("event at line %d does not parse: %v", ev.Line, err)
			out = append(out, stmt)
			continue
		}
		t.stats.EventsApplied++
		if ev.Before {
			out = append(out, injected...)
			out = append(out, stmt)
		} else {
			out = append(out, stmt)
			out = append(out, injected...)
		}
	}
	return out
}

// parseInjection parses user-supplied event text, first as a single
// expression and otherwise as one or more statements. Fresh nodes are
// produced on every call so repeated injections never alias.
func parseInjection(src string) ([]ast.Stmt, error) {
	if expr, err := parser.ParseExpr(src); err == nil {
		scrubPositions(expr)
		return []ast.Stmt{&ast.ExprStmt{X: expr}}, nil
	}
	wrapped := "package p\nfunc _() {\n" + src + "\n}"
	file, err := parser.ParseFile(token.NewFileSet(), "", wrapped, 0)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	if len(file.Decls) != 1 {
		return nil, fmt.Errorf("parse %q: not a statement list", src)
	}
	stmts := file.Decls[0].(*ast.FuncDecl).Body.List
	if len(stmts) == 0 {
		return nil, fmt.Errorf("parse %q: no statements", src)
	}
	for _, s := range stmts {
		scrubPositions(s)
	}
	return stmts, nil
}

var tokenPosType = reflect.TypeOf(token.NoPos)

// scrubPositions clears every position under n. Injected nodes must not
// carry line numbers: spliced subtrees are revisited by the traversal, and
// a line number surviving from an unrelated parse could match configured
// events or ranges.
func scrubPositions(n ast.Node) {
	ast.Inspect(n, func(node ast.Node) bool {
		if node == nil {
			return false
		}
		v := reflect.ValueOf(node)
		if v.Kind() != reflect.Pointer || v.IsNil() {
			return true
		}
		v = v.Elem()
		if v.Kind() != reflect.Struct {
			return true
		}
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.Type() == tokenPosType {
				f.Set(reflect.ValueOf(token.NoPos))
			}
		}
		return true
	})
}
