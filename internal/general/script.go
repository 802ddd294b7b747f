package general

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Script is a compiled Lua classifier. The script defines a global
// classify(text) returning nil to defer to the built-in rules, or a table
// { kind = "general" | "blocked" | "none", answer = "..." }.
//
// The chunk is compiled once; every call runs in a fresh state, so a Script
// is safe for concurrent use.
type Script struct {
	name  string
	proto *lua.FunctionProto
}

func LoadScript(path string) (*Script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return CompileScript(abs, string(src))
}

func CompileScript(name, src string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	return &Script{name: name, proto: proto}, nil
}

// Classify runs classify(text). ok is false when the script returned nil.
func (s *Script) Classify(text string) (out Outcome, ok bool, err error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	L.PreloadModule("os", osModule)

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return Outcome{}, false, fmt.Errorf("load %s: %w", s.name, err)
	}

	fn := L.GetGlobal("classify")
	if fn.Type() != lua.LTFunction {
		return Outcome{}, false, fmt.Errorf("%s must define global function classify(text), got %s", s.name, fn.Type())
	}
	L.Push(fn)
	L.Push(lua.LString(text))
	if err := L.PCall(1, 1, nil); err != nil {
		return Outcome{}, false, fmt.Errorf("classify(): %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch ret.Type() {
	case lua.LTNil:
		return Outcome{}, false, nil
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		out.Kind = Kind(lua.LVAsString(tbl.RawGetString("kind")))
		out.Answer = lua.LVAsString(tbl.RawGetString("answer"))
	default:
		return Outcome{}, false, fmt.Errorf("classify() must return nil or a table, got %s", ret.Type())
	}

	switch out.Kind {
	case KindNone:
		return Outcome{Kind: KindNone}, true, nil
	case KindGeneral, KindBlocked:
		if out.Answer == "" {
			return Outcome{}, false, fmt.Errorf("classify() returned kind %q without an answer", out.Kind)
		}
		return out, true, nil
	}
	return Outcome{}, false, fmt.Errorf("classify() returned unknown kind %q", out.Kind)
}

// osModule exposes getenv and time to scripts.
func osModule(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
