package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/config"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

var log = logging.Logger("rules")

// script holds one compiled policy file.
type script struct {
	proto     *lua.FunctionProto
	hasDecide bool
}

// Engine loads Lua policy scripts from a directory and answers verdicts for
// incoming calls. Scripts are consulted in file-name order; the first one
// returning "accept" or "decline" wins, anything else falls through to the
// next script. No decisive script means the call rings normally.
//
// Engine implements call.Decider.
type Engine struct {
	mu      sync.RWMutex
	scripts map[string]*script
	cfg     config.Rules
	dir     string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewEngine compiles all scripts in dir and starts watching it for changes.
func NewEngine(cfg config.Rules, dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	e := &Engine{
		scripts: make(map[string]*script),
		cfg:     cfg,
		dir:     dir,
		watcher: watcher,
		closed:  make(chan struct{}),
	}

	e.scanDir()

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch rules dir: %w", err)
	}

	go e.watchLoop()

	log.Infof("rules engine started, %d script(s) loaded from %s", len(e.Scripts()), dir)
	return e, nil
}

func (e *Engine) scanDir() {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.compileScript(name, filepath.Join(e.dir, entry.Name())); err != nil {
			log.Warnf("failed to compile %s: %v", entry.Name(), err)
		}
	}
}

func (e *Engine) compileScript(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	source := string(data)

	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	meta := &script{
		proto:     proto,
		hasDecide: detectEntryPoint(source, "decide"),
	}

	e.mu.Lock()
	e.scripts[name] = meta
	e.mu.Unlock()

	log.Infof("compiled rule %q (decide=%v)", name, meta.hasDecide)
	return nil
}

// detectEntryPoint checks if a script defines a given function name.
func detectEntryPoint(source, funcName string) bool {
	pattern := "function " + funcName + "("
	patternAlt := "function " + funcName + " ("
	return strings.Contains(source, pattern) || strings.Contains(source, patternAlt)
}

func (e *Engine) removeScript(name string) {
	e.mu.Lock()
	delete(e.scripts, name)
	e.mu.Unlock()
	log.Infof("removed rule %q", name)
}

func (e *Engine) watchLoop() {
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".lua") {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), ".lua")

			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := e.compileScript(name, event.Name); err != nil {
					log.Warnf("hot reload failed for %s: %v", name, err)
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				e.removeScript(name)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

// Scripts returns a sorted list of loaded rule names.
func (e *Engine) Scripts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.scripts))
	for name := range e.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decide runs the loaded policy scripts against an incoming call. Scripts
// that error, time out, or return anything other than "accept"/"decline"
// are skipped; if none is decisive the call rings. Fail-open: a broken
// ruleset never silently drops a call.
func (e *Engine) Decide(ctx context.Context, sess call.Session, callerID, callerName string) call.Verdict {
	e.mu.RLock()
	ordered := make([]struct {
		name  string
		proto *lua.FunctionProto
	}, 0, len(e.scripts))
	for name, s := range e.scripts {
		if s.hasDecide {
			ordered = append(ordered, struct {
				name  string
				proto *lua.FunctionProto
			}{name, s.proto})
		}
	}
	e.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for _, s := range ordered {
		verdict, err := e.runScript(ctx, s.name, s.proto, sess, callerID, callerName)
		if err != nil {
			log.Warnf("rule %s: %v (ringing)", s.name, err)
			continue
		}
		switch verdict {
		case "accept":
			log.Infof("rule %s accepted call %s from %s", s.name, sess.ID, callerID)
			return call.VerdictAccept
		case "decline":
			log.Infof("rule %s declined call %s from %s", s.name, sess.ID, callerID)
			return call.VerdictDecline
		}
	}
	return call.VerdictRing
}

func (e *Engine) runScript(ctx context.Context, name string, proto *lua.FunctionProto, sess call.Session, callerID, callerName string) (string, error) {
	timeout := time.Duration(e.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L := e.newSandboxedVM()

	var closeOnce sync.Once
	closeL := func() { closeOnce.Do(func() { L.Close() }) }
	defer closeL()

	// Load compiled proto
	lfunc := L.NewFunctionFromProto(proto)
	L.Push(lfunc)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}

	decideFn := L.GetGlobal("decide")
	if decideFn == lua.LNil {
		return "", fmt.Errorf("script has no decide() function")
	}

	callTbl := L.NewTable()
	callTbl.RawSetString("session_id", lua.LString(sess.ID))
	callTbl.RawSetString("conversation_id", lua.LString(sess.ConversationID))
	callTbl.RawSetString("type", lua.LString(string(sess.Type)))
	callerTbl := L.NewTable()
	callerTbl.RawSetString("id", lua.LString(callerID))
	callerTbl.RawSetString("name", lua.LString(callerName))
	callTbl.RawSetString("caller", callerTbl)

	memMon := newMemoryMonitor(e.cfg.MaxMemoryMB)
	stopMon := memMon.watch(execCtx, L, name)

	// Run in goroutine so we can kill on timeout
	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("script panic: %v", r)}
			}
		}()

		if err := L.CallByParam(lua.P{
			Fn:      decideFn,
			NRet:    1,
			Protect: true,
		}, callTbl); err != nil {
			ch <- result{err: err}
			return
		}
		ret := L.Get(-1)
		L.Pop(1)
		ch <- result{val: strings.ToLower(strings.TrimSpace(ret.String()))}
	}()

	select {
	case r := <-ch:
		stopMon()
		if memMon.wasExceeded() {
			return "", fmt.Errorf("script killed: memory limit exceeded")
		}
		return r.val, r.err
	case <-execCtx.Done():
		stopMon()
		closeL()
		// Drain goroutine so it doesn't leak
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
		}
		if memMon.wasExceeded() {
			return "", fmt.Errorf("script killed: memory limit exceeded")
		}
		return "", fmt.Errorf("script timed out")
	}
}

// registryMaxSize derives a registry cap from the MaxMemoryMB config.
// Each registry slot is roughly 48 bytes; this gives a proportional bound.
func (e *Engine) registryMaxSize() int {
	if e.cfg.MaxMemoryMB <= 0 {
		return 0
	}
	max := e.cfg.MaxMemoryMB * 1024 * 1024 / 48
	if max < 5120 {
		max = 5120
	}
	return max
}

// Close shuts down the engine.
func (e *Engine) Close() {
	close(e.closed)
	e.watcher.Close()
	log.Info("rules engine stopped")
}
