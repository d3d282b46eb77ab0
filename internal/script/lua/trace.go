package lua

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/scriptbridge/internal/script"
)

// lineHook is the global instrumented code calls before each statement,
// with the source path and line.
const lineHook = "__scriptbridge_line"

// compile loads the file at path as a function. While a debugger is
// tracing, every statement is preceded by a call to the line hook.
func (r *Runtime) compile(path string) (*lua.LFunction, error) {
	if r.tracer == nil || !r.tracer.Tracing() {
		return r.L.LoadFile(path)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(src, []byte("#")) {
		// Blank a shebang line but keep the line count.
		if i := bytes.IndexByte(src, '\n'); i >= 0 {
			src = src[i:]
		} else {
			src = nil
		}
	}

	chunk, err := parse.Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(instrumentBlock(chunk, path), path)
	if err != nil {
		return nil, err
	}
	return r.L.NewFunctionFromProto(proto), nil
}

// traceLine backs the line hook.
func (r *Runtime) traceLine(L *lua.LState) int {
	if r.tracer == nil {
		return 0
	}
	loc := script.Location{Source: L.CheckString(1), Line: L.CheckInt(2)}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.tracer.Line(ctx, loc, func() []script.Frame { return stack(L) }); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// stack captures the Lua frames of L, innermost first, with their locals.
func stack(L *lua.LState) []script.Frame {
	var frames []script.Frame
	for level := 0; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if _, err := L.GetInfo("nSl", dbg, lua.LNil); err != nil || dbg.What == "G" {
			continue
		}
		name := dbg.Name
		if name == "" {
			name = "?"
		}
		frames = append(frames, script.Frame{
			Name:     name,
			Location: script.Location{Source: dbg.Source, Line: dbg.CurrentLine},
			Locals:   locals(L, dbg),
		})
	}
	return frames
}

func locals(L *lua.LState, dbg *lua.Debug) []script.Variable {
	var vars []script.Variable
	for i := 1; ; i++ {
		name, v := L.GetLocal(dbg, i)
		if name == "" {
			break
		}
		if strings.HasPrefix(name, "(") {
			continue
		}
		vars = append(vars, script.Variable{Name: name, Type: v.Type().String(), Value: display(v)})
	}
	return vars
}

// display renders v without calling back into Lua.
func display(v lua.LValue) string {
	switch val := v.(type) {
	case lua.LString:
		return strconv.Quote(string(val))
	case *lua.LTable:
		return fmt.Sprintf("%v", ToGoValue(val))
	}
	return v.String()
}

// instrumentBlock returns stmts with a line hook call before each
// statement, and instruments nested blocks in place.
func instrumentBlock(stmts []ast.Stmt, source string) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, st := range stmts {
		instrumentStmt(st, source)
		if _, ok := st.(*ast.LabelStmt); !ok {
			out = append(out, hookCall(source, st.Line()))
		}
		out = append(out, st)
	}
	return out
}

func hookCall(source string, line int) ast.Stmt {
	fn := &ast.IdentExpr{Value: lineHook}
	src := &ast.StringExpr{Value: source}
	num := &ast.NumberExpr{Value: strconv.Itoa(line)}
	call := &ast.FuncCallExpr{Func: fn, Args: []ast.Expr{src, num}}
	stmt := &ast.FuncCallStmt{Expr: call}
	for _, n := range []ast.PositionHolder{fn, src, num, call, stmt} {
		n.SetLine(line)
		n.SetLastLine(line)
	}
	return stmt
}

func instrumentStmt(st ast.Stmt, source string) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		instrumentExprs(s.Lhs, source)
		instrumentExprs(s.Rhs, source)
	case *ast.LocalAssignStmt:
		instrumentExprs(s.Exprs, source)
	case *ast.FuncCallStmt:
		instrumentExpr(s.Expr, source)
	case *ast.DoBlockStmt:
		s.Stmts = instrumentBlock(s.Stmts, source)
	case *ast.WhileStmt:
		instrumentExpr(s.Condition, source)
		s.Stmts = instrumentBlock(s.Stmts, source)
	case *ast.RepeatStmt:
		s.Stmts = instrumentBlock(s.Stmts, source)
		instrumentExpr(s.Condition, source)
	case *ast.IfStmt:
		instrumentExpr(s.Condition, source)
		s.Then = instrumentBlock(s.Then, source)
		s.Else = instrumentBlock(s.Else, source)
	case *ast.NumberForStmt:
		instrumentExprs([]ast.Expr{s.Init, s.Limit, s.Step}, source)
		s.Stmts = instrumentBlock(s.Stmts, source)
	case *ast.GenericForStmt:
		instrumentExprs(s.Exprs, source)
		s.Stmts = instrumentBlock(s.Stmts, source)
	case *ast.FuncDefStmt:
		instrumentExpr(s.Func, source)
	case *ast.ReturnStmt:
		instrumentExprs(s.Exprs, source)
	}
}

func instrumentExprs(exprs []ast.Expr, source string) {
	for _, e := range exprs {
		instrumentExpr(e, source)
	}
}

// instrumentExpr finds the function bodies inside e.
func instrumentExpr(e ast.Expr, source string) {
	switch x := e.(type) {
	case *ast.FunctionExpr:
		x.Stmts = instrumentBlock(x.Stmts, source)
	case *ast.AttrGetExpr:
		instrumentExpr(x.Object, source)
		instrumentExpr(x.Key, source)
	case *ast.TableExpr:
		for _, f := range x.Fields {
			instrumentExpr(f.Key, source)
			instrumentExpr(f.Value, source)
		}
	case *ast.FuncCallExpr:
		instrumentExpr(x.Func, source)
		instrumentExpr(x.Receiver, source)
		instrumentExprs(x.Args, source)
	case *ast.LogicalOpExpr:
		instrumentExpr(x.Lhs, source)
		instrumentExpr(x.Rhs, source)
	case *ast.RelationalOpExpr:
		instrumentExpr(x.Lhs, source)
		instrumentExpr(x.Rhs, source)
	case *ast.StringConcatOpExpr:
		instrumentExpr(x.Lhs, source)
		instrumentExpr(x.Rhs, source)
	case *ast.ArithmeticOpExpr:
		instrumentExpr(x.Lhs, source)
		instrumentExpr(x.Rhs, source)
	case *ast.UnaryMinusOpExpr:
		instrumentExpr(x.Expr, source)
	case *ast.UnaryNotOpExpr:
		instrumentExpr(x.Expr, source)
	case *ast.UnaryLenOpExpr:
		instrumentExpr(x.Expr, source)
	}
}
