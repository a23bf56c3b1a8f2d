// Package lua loads chat commands written in Lua and keeps them current as
// their files change.
//
// A script registers commands while it loads:
//
//	command([[\.roll (\d+)]], "Roll a die", function(event, groups, chat)
//	  return "rolled " .. math.random(tonumber(groups[1]))
//	end)
//
//	mount([[\.admin ]], "Admin commands", function()
//	  command([[\.admin ping$]], "Ping", function() return "pong" end)
//	end)
//
// A handler returning a non-empty string replies with it. Raising an error
// fails the command.
package lua

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/juju/errors"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/model"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

// Installer receives the full scripted command list whenever it changes.
type Installer func(patterns []*router.Pattern)

// Scripts owns one Lua state shared by every script in a directory. The
// state is only touched on the executor goroutine.
type Scripts struct {
	logger  *zap.Logger
	dir     string
	install Installer

	svc   ChanSvc
	done  <-chan struct{}
	state *lua.LState

	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	modules map[string]*Module

	// executor only
	loading *Module
	targets []*[]*router.Pattern
}

// New creates the Lua state for dir. Nothing is loaded until LoadDir.
func New(dir string, logger *zap.Logger, install Installer) *Scripts {
	if install == nil {
		install = func([]*router.Pattern) {}
	}
	s := &Scripts{
		logger:  logger.Named("lua"),
		dir:     filepath.Clean(dir),
		install: install,
		svc:     make(ChanSvc),
		modules: make(map[string]*Module),
	}
	s.state = lua.NewState(lua.Options{SkipOpenLibs: true})
	s.openLibs()
	s.done = RunSvc(s.svc)
	return s
}

// Dir returns the script directory.
func (s *Scripts) Dir() string {
	return s.dir
}

func (s *Scripts) openLibs() {
	L := s.state
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	L.SetGlobal("command", L.NewFunction(s.command))
	L.SetGlobal("mount", L.NewFunction(s.mount))
	L.SetGlobal("log", L.NewFunction(s.log))
}

// exec runs fn on the executor.
func (s *Scripts) exec(ctx context.Context, fn func() error) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return errors.New("scripts closed")
	}
	_, err := SvcSync(ctx, s.svc, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// LoadDir loads every .lua file in the directory in name order and installs
// the result. A file that fails to load is logged and skipped.
func (s *Scripts) LoadDir(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		s.logger.Info("no script directory", zap.String("dir", s.dir))
		s.install(nil)
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.load(ctx, path); err != nil {
			if ctx.Err() != nil {
				return errors.Trace(ctx.Err())
			}
			s.logger.Error("loading script", zap.String("file", path), zap.Error(err))
		}
	}
	s.install(s.Patterns())
	return nil
}

// Reload reruns one file and installs its new commands. When the file fails
// its previous commands stay installed.
func (s *Scripts) Reload(ctx context.Context, path string) error {
	if err := s.load(ctx, path); err != nil {
		return err
	}
	s.logger.Info("reloaded script", zap.String("file", path))
	s.install(s.Patterns())
	return nil
}

// Remove drops the commands of a deleted file.
func (s *Scripts) Remove(path string) {
	s.mu.Lock()
	_, ok := s.modules[path]
	delete(s.modules, path)
	s.mu.Unlock()
	if ok {
		s.logger.Info("removed script", zap.String("file", path))
		s.install(s.Patterns())
	}
}

// Modules returns the loaded modules ordered by name.
func (s *Scripts) Modules() []*Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	mods := make([]*Module, 0, len(s.modules))
	for _, m := range s.modules {
		mods = append(mods, m)
	}
	slices.SortFunc(mods, func(a, b *Module) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	return mods
}

// Patterns returns every scripted pattern, module by module.
func (s *Scripts) Patterns() []*router.Pattern {
	var patterns []*router.Pattern
	for _, m := range s.Modules() {
		patterns = append(patterns, m.Patterns...)
	}
	return patterns
}

// Close stops the executor and frees the Lua state.
func (s *Scripts) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.svc)
	s.closeMu.Unlock()
	<-s.done
	s.state.Close()
}

func (s *Scripts) load(ctx context.Context, path string) error {
	return s.exec(ctx, func() error {
		m := NewModule(path)
		var top []*router.Pattern
		s.loading = m
		s.targets = []*[]*router.Pattern{&top}
		defer func() {
			s.loading = nil
			s.targets = nil
		}()
		if err := s.state.DoFile(path); err != nil {
			return errors.Annotatef(err, "loading %s", path)
		}
		m.Patterns = top
		s.mu.Lock()
		s.modules[path] = m
		s.mu.Unlock()
		return nil
	})
}

func (s *Scripts) add(p *router.Pattern) {
	target := s.targets[len(s.targets)-1]
	*target = append(*target, p)
}

// command(pattern, description, fn)
func (s *Scripts) command(L *lua.LState) int {
	match := L.CheckString(1)
	desc := L.CheckString(2)
	fn := L.CheckFunction(3)
	if s.loading == nil {
		L.RaiseError("command can only be called while a script loads")
		return 0
	}
	p, err := router.NewPattern(match, s.endpoint(s.loading.nextEndpoint(), fn), nil, desc)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	s.add(p)
	return 0
}

// mount(pattern, description, fn) collects the commands fn registers into a
// nested list.
func (s *Scripts) mount(L *lua.LState) int {
	match := L.CheckString(1)
	desc := L.CheckString(2)
	fn := L.CheckFunction(3)
	if s.loading == nil {
		L.RaiseError("mount can only be called while a script loads")
		return 0
	}
	var children []*router.Pattern
	s.targets = append(s.targets, &children)
	L.Push(fn)
	L.Call(0, 0)
	s.targets = s.targets[:len(s.targets)-1]

	p, err := router.NewPattern(match, nil, router.NewRoutingList(children...), desc)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	s.add(p)
	return 0
}

func (s *Scripts) log(L *lua.LState) int {
	fields := []zap.Field{}
	if s.loading != nil {
		fields = append(fields, zap.String("module", s.loading.Name))
	}
	s.logger.Info(L.CheckString(1), fields...)
	return 0
}

func (s *Scripts) endpoint(name string, fn *lua.LFunction) *router.Endpoint {
	return router.NewEndpoint(name, func(ctx context.Context, x *router.Context, ev *transport.Event, groups []string) error {
		return s.exec(ctx, func() error {
			return s.call(ctx, x, ev, groups, fn)
		})
	})
}

// call runs a handler. Must be on the executor.
func (s *Scripts) call(ctx context.Context, x *router.Context, ev *transport.Event, groups []string, fn *lua.LFunction) error {
	L := s.state
	L.SetContext(ctx)
	defer L.RemoveContext()

	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
		s.eventTable(ev), s.stringTable(groups), s.chatTable(ctx, x, ev))
	if err != nil {
		return errors.Annotate(err, "script")
	}
	ret := L.Get(-1)
	L.Pop(1)
	if text, ok := ret.(lua.LString); ok && text != "" {
		_, err := x.Transport.Send(ctx, ev.ChannelID, transport.Text(string(text)))
		return errors.Trace(err)
	}
	return nil
}

func (s *Scripts) stringTable(values []string) *lua.LTable {
	t := s.state.NewTable()
	for _, v := range values {
		t.Append(lua.LString(v))
	}
	return t
}

func (s *Scripts) eventTable(ev *transport.Event) *lua.LTable {
	L := s.state
	t := L.NewTable()
	t.RawSetString("id", lua.LString(ev.ID))
	t.RawSetString("text", lua.LString(ev.Text))
	t.RawSetString("channel", lua.LString(ev.ChannelID))
	t.RawSetString("guild", lua.LString(ev.GuildID))

	author := L.NewTable()
	author.RawSetString("id", lua.LString(ev.Author.ID))
	author.RawSetString("name", lua.LString(ev.Author.Name))
	author.RawSetString("bot", lua.LBool(ev.Author.Bot))
	t.RawSetString("author", author)

	attachments := L.NewTable()
	for _, a := range ev.Attachments {
		at := L.NewTable()
		at.RawSetString("filename", lua.LString(a.Filename))
		at.RawSetString("url", lua.LString(a.URL))
		at.RawSetString("content_type", lua.LString(a.ContentType))
		attachments.Append(at)
	}
	t.RawSetString("attachments", attachments)
	return t
}

// chatTable exposes the transport to a handler, bound to the event.
func (s *Scripts) chatTable(ctx context.Context, x *router.Context, ev *transport.Event) *lua.LTable {
	L := s.state
	send := func(L *lua.LState, channel string, reply transport.Reply) int {
		id, err := x.Transport.Send(ctx, channel, reply)
		if err != nil {
			L.RaiseError("send: %v", err)
			return 0
		}
		L.Push(lua.LString(id))
		return 1
	}
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"reply": func(L *lua.LState) int {
			return send(L, ev.ChannelID, transport.Text(L.CheckString(1)))
		},
		"send": func(L *lua.LState) int {
			return send(L, L.CheckString(1), transport.Text(L.CheckString(2)))
		},
		"embed": func(L *lua.LState) int {
			data, ok := LuaToGo(L.CheckTable(1)).(map[string]any)
			if !ok {
				L.ArgError(1, "embed must be a table with named fields")
				return 0
			}
			var embed transport.Embed
			if err := model.Decode(data, &embed); err != nil {
				L.ArgError(1, err.Error())
				return 0
			}
			return send(L, ev.ChannelID, transport.Reply{Embed: &embed})
		},
		"react": func(L *lua.LState) int {
			if err := x.Transport.AddReaction(ctx, ev.ChannelID, ev.ID, L.CheckString(1)); err != nil {
				L.RaiseError("react: %v", err)
			}
			return 0
		},
		"delete": func(L *lua.LState) int {
			if err := x.Transport.DeleteMessage(ctx, ev.ChannelID, ev.ID); err != nil {
				L.RaiseError("delete: %v", err)
			}
			return 0
		},
	})
}
