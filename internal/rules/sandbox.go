package rules

import (
	lua "github.com/yuin/gopher-lua"
)

// newSandboxedVM creates a gopher-lua VM with restricted standard libraries
// and the sentinal.* helper table injected. Policy scripts get table, string,
// math, and a pruned os (time/date/clock only); no io, no networking, no
// file loading.
func (e *Engine) newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        2048,
		RegistryMaxSize:     e.registryMaxSize(),
		RegistryGrowStep:    32,
		MinimizeStackMemory: true,
	})

	// Selectively open safe standard libraries
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	pruneOS(L)

	// Remove dangerous globals. print goes too: the engine runs headless,
	// scripts log through sentinal.log instead.
	for _, name := range []string{"dofile", "loadfile", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	injectAPI(L)

	return L
}

// pruneOS removes all os functions except time, date, and clock.
func pruneOS(L *lua.LState) {
	os := L.GetGlobal("os")
	osTbl, ok := os.(*lua.LTable)
	if !ok {
		return
	}

	keep := map[string]bool{"time": true, "date": true, "clock": true}
	var toRemove []string

	osTbl.ForEach(func(key, _ lua.LValue) {
		if ks, ok := key.(lua.LString); ok {
			if !keep[string(ks)] {
				toRemove = append(toRemove, string(ks))
			}
		}
	})

	for _, k := range toRemove {
		osTbl.RawSetString(k, lua.LNil)
	}
}

// injectAPI builds and injects the sentinal.* table policy scripts may use.
func injectAPI(L *lua.LState) {
	tbl := L.NewTable()

	logTbl := L.NewTable()
	logTbl.RawSetString("info", L.NewFunction(logInfoFn))
	logTbl.RawSetString("warn", L.NewFunction(logWarnFn))
	tbl.RawSetString("log", logTbl)

	L.SetGlobal("sentinal", tbl)
}

func logInfoFn(L *lua.LState) int {
	log.Infof("script: %s", L.CheckString(1))
	return 0
}

func logWarnFn(L *lua.LState) int {
	log.Warnf("script: %s", L.CheckString(1))
	return 0
}
