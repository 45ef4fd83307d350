package eval

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/frame"
)

func testFrame(locals, globals frame.Vars) *frame.MapFrame {
	return &frame.MapFrame{FrameID: 1, File: "/tmp/a.lua", LineNo: 1, LocalV: locals, GlobalV: globals}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("x >")
	assert.Error(t, err)

	_, err = Compile("   ")
	assert.ErrorIs(t, err, ErrEmpty)
}

// TestTruthUsesFrameScopes verifies locals shadow globals
func TestTruthUsesFrameScopes(t *testing.T) {
	expr, err := Compile("x > 3")
	require.NoError(t, err)

	ok, err := expr.Truth(testFrame(frame.Vars{"x": 5}, nil))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = expr.Truth(testFrame(frame.Vars{"x": 1}, frame.Vars{"x": 10}))
	require.NoError(t, err)
	assert.False(t, ok, "local x should shadow global x")

	ok, err = expr.Truth(testFrame(nil, frame.Vars{"x": 10}))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStandardLibraryVisible(t *testing.T) {
	expr, err := Compile("string.len(s) == 3")
	require.NoError(t, err)
	ok, err := expr.Truth(testFrame(frame.Vars{"s": "abc"}, nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuntimeError(t *testing.T) {
	expr, err := Compile("missing + 1")
	require.NoError(t, err)
	_, err = expr.Eval(testFrame(nil, nil))
	assert.Error(t, err)
}

// TestTruthIsLuaTruth verifies zero and empty string are true, nil and false are not
func TestTruthIsLuaTruth(t *testing.T) {
	f := testFrame(frame.Vars{"zero": 0, "empty": "", "no": false}, nil)
	for src, want := range map[string]bool{"zero": true, "empty": true, "no": false, "nothing": false} {
		expr, err := Compile(src)
		require.NoError(t, err)
		got, err := expr.Truth(f)
		require.NoError(t, err)
		assert.Equal(t, want, got, src)
	}
}

func TestValueConvertsTables(t *testing.T) {
	expr, err := Compile("{1, 2, 3}")
	require.NoError(t, err)
	v, err := expr.Value(testFrame(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, v)

	expr, err = Compile("{a = 1}")
	require.NoError(t, err)
	v, err = expr.Value(testFrame(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, v)
}

func TestLuaToGoCycle(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	v := LuaToGo(tbl)
	assert.Equal(t, map[string]any{"self": Cycle}, v)
}

func TestExecCapturesPrint(t *testing.T) {
	f := testFrame(frame.Vars{"x": 5}, nil)

	stmt, err := CompileStatement("print(x + 1)")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, stmt.Exec(f, &out))
	assert.Equal(t, "6\n", out.String())

	// a bare expression prints its value
	stmt, err = CompileStatement("x * 2")
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, stmt.Exec(f, &out))
	assert.Equal(t, "10\n", out.String())
}

func TestExecAssignsLocals(t *testing.T) {
	f := testFrame(frame.Vars{"x": 5}, nil)
	stmt, err := CompileStatement("x = 7")
	require.NoError(t, err)
	require.NoError(t, stmt.Exec(f, &bytes.Buffer{}))
	assert.Equal(t, lua.LNumber(7), f.Locals()["x"])
}

func TestDescribe(t *testing.T) {
	typ, text := Describe(lua.LString("hi"))
	assert.Equal(t, "string", typ)
	assert.Equal(t, `"hi"`, text)

	typ, text = Describe(lua.LNumber(3))
	assert.Equal(t, "number", typ)
	assert.Equal(t, "3", text)

	typ, _ = Describe(nil)
	assert.Equal(t, "nil", typ)
}

// TestResolveNestedTables verifies member paths walk Lua tables and plain Go values
func TestResolveNestedTables(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	require.NoError(t, L.DoString(`cfg = {name = "srv", ports = {80, 443}, [true] = "yes"}`))
	cfg := L.GetGlobal("cfg")

	val, ok := Resolve(cfg, []string{"ports", "[2]"})
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(443), val)

	val, ok = Resolve(cfg, []string{"ports", "1"})
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(80), val)

	val, ok = Resolve(cfg, []string{"[true]"})
	require.True(t, ok)
	assert.Equal(t, lua.LString("yes"), val)

	_, ok = Resolve(cfg, []string{"name", "len"})
	assert.False(t, ok, "strings have no members")
	_, ok = Resolve(cfg, []string{"missing"})
	assert.False(t, ok)

	fields := Fields(cfg)
	assert.Equal(t, []string{"[true]", "name", "ports"}, fields.Names())
	assert.Nil(t, Fields(lua.LNumber(1)))

	plain := map[string]any{"list": []any{"a", "b"}}
	val, ok = Resolve(plain, []string{"list", "[2]"})
	require.True(t, ok)
	assert.Equal(t, "b", val)
	assert.Equal(t, []string{"[1]", "[2]"}, Fields(plain["list"]).Names())
}
