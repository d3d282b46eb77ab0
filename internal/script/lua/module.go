package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// appLoader builds the app module that scripts require to reach the host:
//
//	local app = require("app")
//	app.log("message")
//	app.notify("message")
//	for _, dir in ipairs(app.search_path()) do ... end
func (r *Runtime) appLoader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":         r.appLog,
		"notify":      r.appNotify,
		"search_path": r.appSearchPath,
	})
	L.Push(mod)
	return 1
}

// appLog(msg [, level]) logs at info unless level is debug, warn or error.
func (r *Runtime) appLog(L *lua.LState) int {
	msg := L.CheckString(1)
	switch L.OptString(2, "info") {
	case "debug":
		r.log.Debug("%s", msg)
	case "warn":
		r.log.Warn("%s", msg)
	case "error":
		r.log.Error("%s", msg)
	default:
		r.log.Info("%s", msg)
	}
	return 0
}

func (r *Runtime) appNotify(L *lua.LState) int {
	msg := L.CheckString(1)
	if r.notify != nil {
		r.notify(msg)
	} else {
		r.log.Info("%s", msg)
	}
	return 0
}

// appSearchPath returns the current search path, most recent entry last.
func (r *Runtime) appSearchPath(L *lua.LState) int {
	var dirs []string
	if r.search != nil {
		dirs = r.search.Dirs()
	}
	L.Push(ToLuaValue(L, dirs))
	return 1
}
