package luatrace

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// stdinReader adapts a plain reader to LineReader.
type stdinReader struct {
	r *bufio.Reader
}

func newStdinReader(r io.Reader) *stdinReader {
	return &stdinReader{r: bufio.NewReader(r)}
}

func (s *stdinReader) ReadLinePrompt(string) (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return line, nil
}

// installStdio replaces the functions of the standard library that touch the
// process's streams so that they use the tracer's instead.
func (t *Tracer) installStdio(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(t.luaPrint))

	stdout := t.fileObject(L, "stdout", t.opts.Stdout)
	stderr := t.fileObject(L, "stderr", t.opts.Stderr)
	stdin := t.fileObject(L, "stdin", nil)

	if iolib, ok := L.GetGlobal("io").(*lua.LTable); ok {
		fileLines := iolib.RawGetString("lines")
		iolib.RawSetString("stdout", stdout)
		iolib.RawSetString("stderr", stderr)
		iolib.RawSetString("stdin", stdin)
		iolib.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
			return t.write(L, t.opts.Stdout, 1, stdout)
		}))
		iolib.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
			return t.read(L, 1)
		}))
		iolib.RawSetString("lines", L.NewFunction(func(L *lua.LState) int {
			return t.lines(L, fileLines)
		}))
	}
	if oslib, ok := L.GetGlobal("os").(*lua.LTable); ok {
		oslib.RawSetString("exit", L.NewFunction(t.luaExit))
	}
}

func (t *Tracer) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, top)
	for i := 1; i <= top; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	io.WriteString(t.opts.Stdout, strings.Join(parts, "\t")+"\n")
	return 0
}

// fileObject builds a table standing in for a standard file handle.
// A nil writer makes it the input handle.
func (t *Tracer) fileObject(L *lua.LState, name string, w io.Writer) *lua.LTable {
	file := L.NewTable()
	self := func(L *lua.LState) int {
		L.Push(file)
		return 1
	}
	file.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		if w == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("bad file descriptor"))
			return 2
		}
		return t.write(L, w, 2, file)
	}))
	file.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		if w != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("bad file descriptor"))
			return 2
		}
		return t.read(L, 2)
	}))
	file.RawSetString("lines", L.NewFunction(func(L *lua.LState) int {
		L.Push(L.NewFunction(t.nextLine))
		return 1
	}))
	file.RawSetString("flush", L.NewFunction(func(L *lua.LState) int {
		if f, ok := w.(interface{ Flush() error }); ok {
			f.Flush()
		}
		return self(L)
	}))
	file.RawSetString("setvbuf", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LTrue)
		return 1
	}))
	file.RawSetString("close", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNil)
		L.Push(lua.LString("cannot close standard file"))
		return 2
	}))
	file.RawSetString("seek", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNil)
		L.Push(lua.LString("illegal seek"))
		return 2
	}))
	mt := L.NewTable()
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("file (" + name + ")"))
		return 1
	}))
	L.SetMetatable(file, mt)
	return file
}

// write writes the arguments from position first on to w and returns the
// file handle.
func (t *Tracer) write(L *lua.LState, w io.Writer, first int, file *lua.LTable) int {
	var b strings.Builder
	for i := first; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			b.WriteString(string(v))
		case lua.LNumber:
			b.WriteString(v.String())
		default:
			L.ArgError(i, "string expected, got "+v.Type().String())
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(file)
	return 1
}

// read implements io.read for the formats l, L, n and a. Every format takes
// one line from the IDE; a reads a single line as well since the IDE never
// signals the end of input.
func (t *Tracer) read(L *lua.LState, first int) int {
	formats := []string{"l"}
	if L.GetTop() >= first {
		formats = formats[:0]
		for i := first; i <= L.GetTop(); i++ {
			switch v := L.Get(i).(type) {
			case lua.LNumber:
				formats = append(formats, "l")
			default:
				formats = append(formats, strings.TrimPrefix(lua.LVAsString(v), "*"))
			}
		}
	}
	for n, format := range formats {
		line, err := t.opts.Stdin.ReadLinePrompt("")
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Log(1, "stdin: %v", err)
			}
			t.checkQuit(L)
			L.Push(lua.LNil)
			return n + 1
		}
		switch {
		case strings.HasPrefix(format, "n"):
			num, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
			if err != nil {
				L.Push(lua.LNil)
				return n + 1
			}
			L.Push(lua.LNumber(num))
		case strings.HasPrefix(format, "L"), strings.HasPrefix(format, "a"):
			L.Push(lua.LString(line))
		case strings.HasPrefix(format, "l"):
			L.Push(lua.LString(strings.TrimSuffix(line, "\n")))
		default:
			L.ArgError(first+n, "invalid format")
		}
	}
	return len(formats)
}

func (t *Tracer) nextLine(L *lua.LState) int {
	line, err := t.opts.Stdin.ReadLinePrompt("")
	if err != nil {
		t.checkQuit(L)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(strings.TrimSuffix(line, "\n")))
	return 1
}

// lines is io.lines. Without a file name it iterates standard input;
// named files go to the library's own implementation.
func (t *Tracer) lines(L *lua.LState, fileLines lua.LValue) int {
	top := L.GetTop()
	if top == 0 {
		L.Push(L.NewFunction(t.nextLine))
		return 1
	}
	args := make([]lua.LValue, top)
	for i := range args {
		args[i] = L.Get(i + 1)
	}
	L.SetTop(0)
	L.Push(fileLines)
	for _, arg := range args {
		L.Push(arg)
	}
	L.Call(top, lua.MultRet)
	return L.GetTop()
}

// luaExit ends the script with a status instead of ending the process.
func (t *Tracer) luaExit(L *lua.LState) int {
	switch v := L.Get(1).(type) {
	case lua.LBool:
		if v {
			t.exitCode = 0
		} else {
			t.exitCode = 1
		}
	case lua.LNumber:
		t.exitCode = int(v)
	default:
		t.exitCode = 0
	}
	t.exiting = true
	L.Error(t.exitSignal, 0)
	return 0
}
