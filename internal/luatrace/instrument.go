package luatrace

import (
	"strconv"

	"github.com/yuin/gopher-lua/ast"
)

// Names of the globals the instrumented code calls.
const (
	lineHook  = "__luadbg_line"
	enterHook = "__luadbg_enter"
)

// Instrument rewrites a parsed chunk so that every statement first reports
// its line and every function body first reports its activation. The chunk
// is modified in place and returned.
func Instrument(chunk []ast.Stmt) []ast.Stmt {
	return withEnter(instrumentBlock(chunk), firstLine(chunk))
}

func firstLine(stmts []ast.Stmt) int {
	if len(stmts) == 0 {
		return 0
	}
	return stmts[0].Line()
}

func withEnter(stmts []ast.Stmt, line int) []ast.Stmt {
	return append([]ast.Stmt{hookCall(enterHook, line)}, stmts...)
}

func instrumentBlock(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, 2*len(stmts))
	for _, stmt := range stmts {
		instrumentStmt(stmt)
		if _, label := stmt.(*ast.LabelStmt); !label {
			out = append(out, hookCall(lineHook, stmt.Line(), lineArg(stmt.Line())))
		}
		out = append(out, stmt)
	}
	return out
}

func instrumentStmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		instrumentExprs(s.Lhs)
		instrumentExprs(s.Rhs)
	case *ast.LocalAssignStmt:
		instrumentExprs(s.Exprs)
	case *ast.FuncCallStmt:
		instrumentExpr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.WhileStmt:
		instrumentExpr(s.Condition)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.RepeatStmt:
		instrumentExpr(s.Condition)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.IfStmt:
		instrumentExpr(s.Condition)
		s.Then = instrumentBlock(s.Then)
		s.Else = instrumentBlock(s.Else)
	case *ast.NumberForStmt:
		instrumentExpr(s.Init)
		instrumentExpr(s.Limit)
		instrumentExpr(s.Step)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.GenericForStmt:
		instrumentExprs(s.Exprs)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.FuncDefStmt:
		instrumentExpr(s.Func)
	case *ast.ReturnStmt:
		instrumentExprs(s.Exprs)
	}
}

func instrumentExprs(exprs []ast.Expr) {
	for _, e := range exprs {
		instrumentExpr(e)
	}
}

// instrumentExpr finds function literals nested in an expression.
func instrumentExpr(expr ast.Expr) {
	switch e := expr.(type) {
	case *ast.FunctionExpr:
		e.Stmts = withEnter(instrumentBlock(e.Stmts), e.Line())
	case *ast.AttrGetExpr:
		instrumentExpr(e.Object)
		instrumentExpr(e.Key)
	case *ast.TableExpr:
		for _, field := range e.Fields {
			instrumentExpr(field.Key)
			instrumentExpr(field.Value)
		}
	case *ast.FuncCallExpr:
		instrumentExpr(e.Func)
		instrumentExpr(e.Receiver)
		instrumentExprs(e.Args)
	case *ast.LogicalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.RelationalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.StringConcatOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryNotOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryLenOpExpr:
		instrumentExpr(e.Expr)
	}
}

func lineArg(line int) ast.Expr {
	n := &ast.NumberExpr{Value: strconv.Itoa(line)}
	n.SetLine(line)
	return n
}

func hookCall(name string, line int, args ...ast.Expr) ast.Stmt {
	fn := &ast.IdentExpr{Value: name}
	fn.SetLine(line)
	call := &ast.FuncCallExpr{Func: fn, Args: args}
	call.SetLine(line)
	stmt := &ast.FuncCallStmt{Expr: call}
	stmt.SetLine(line)
	return stmt
}
