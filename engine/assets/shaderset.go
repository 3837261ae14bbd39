package assets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/prisma/engine/core"
)

// ShaderSet owns the compiled SPIR-V programs and watches the shader
// directory for changes. Edits on disk are collected on a background
// goroutine and only folded into the visible programs when the frame loop
// calls ApplyPending, so a program never changes mid-frame.
type ShaderSet struct {
	dir string

	mutex    sync.RWMutex
	programs map[ProgramRole]*Program

	// roles touched on disk since the last ApplyPending
	pendingMutex sync.Mutex
	pending      map[ProgramRole]struct{}

	done     chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewShaderSet(shaderDir string) (*ShaderSet, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ShaderSet{
		dir:      shaderDir,
		programs: make(map[ProgramRole]*Program),
		pending:  make(map[ProgramRole]struct{}),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}, nil
}

// Initialize loads every program once and starts the watcher. A program that
// fails to load is kept invalid rather than failing startup; the stages that
// need it will skip their work until a reload fixes it.
func (ss *ShaderSet) Initialize() error {
	for _, role := range AllProgramRoles() {
		ss.programs[role] = &Program{Role: role}
		if err := ss.loadProgram(role); err != nil {
			core.LogWarn("program %s not ready: %s", role.String(), err.Error())
		}
	}

	if err := ss.watchRecursive(ss.dir); err != nil {
		return err
	}
	go ss.start()

	return nil
}

func (ss *ShaderSet) Shutdown() {
	if ss.isClosed {
		return
	}
	ss.isClosed = true
	close(ss.done)
}

// Program returns the current program for the role. The returned pointer is
// replaced, never mutated, on reload, so callers may hold it for a frame.
func (ss *ShaderSet) Program(role ProgramRole) *Program {
	ss.mutex.RLock()
	defer ss.mutex.RUnlock()
	return ss.programs[role]
}

// ApplyPending reloads every program whose files changed since the last call.
// It returns the roles that were successfully reloaded. The frame loop calls
// this once per frame, between frames.
func (ss *ShaderSet) ApplyPending() []ProgramRole {
	ss.pendingMutex.Lock()
	if len(ss.pending) == 0 {
		ss.pendingMutex.Unlock()
		return nil
	}
	dirty := make([]ProgramRole, 0, len(ss.pending))
	for role := range ss.pending {
		dirty = append(dirty, role)
	}
	ss.pending = make(map[ProgramRole]struct{})
	ss.pendingMutex.Unlock()

	reloaded := make([]ProgramRole, 0, len(dirty))
	for _, role := range dirty {
		if err := ss.loadProgram(role); err != nil {
			core.LogError("failed to reload program %s: %s", role.String(), err.Error())
			continue
		}
		core.LogInfo("reloaded shader program %s", role.String())
		reloaded = append(reloaded, role)
	}
	return reloaded
}

// loadProgram reads all stage files for the role. All-or-nothing: a partial
// read leaves the program invalid with its old generation.
func (ss *ShaderSet) loadProgram(role ProgramRole) error {
	files := stageFiles(role)
	stages := make(map[StageKind][]byte, len(files))
	for kind, name := range files {
		data, err := os.ReadFile(filepath.Join(ss.dir, name))
		if err != nil {
			ss.invalidate(role)
			return err
		}
		if len(data)%4 != 0 {
			ss.invalidate(role)
			return errors.New("SPIR-V size is not a multiple of 4: " + name)
		}
		stages[kind] = data
	}

	ss.mutex.Lock()
	old := ss.programs[role]
	ss.programs[role] = &Program{
		Role:       role,
		Valid:      true,
		Generation: old.Generation + 1,
		Stages:     stages,
	}
	ss.mutex.Unlock()
	return nil
}

func (ss *ShaderSet) invalidate(role ProgramRole) {
	ss.mutex.Lock()
	old := ss.programs[role]
	ss.programs[role] = &Program{
		Role:       role,
		Valid:      false,
		Generation: old.Generation,
	}
	ss.mutex.Unlock()
}

func (ss *ShaderSet) start() {
	for {
		select {
		case e := <-ss.fsnotify.Events:
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					ss.watchRecursive(e.Name)
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				ss.markDirty(e.Name)
			}

		case e := <-ss.fsnotify.Errors:
			core.LogError(e.Error())

		case <-ss.done:
			ss.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds all directories under the given one to the watch list.
func (ss *ShaderSet) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return ss.fsnotify.Add(walkPath)
		}
		return nil
	})
}

// markDirty records which role the changed file belongs to. glslc and editors
// write temp files alongside, so unknown names are ignored.
func (ss *ShaderSet) markDirty(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".spv") {
		return
	}
	for _, role := range AllProgramRoles() {
		for _, name := range stageFiles(role) {
			if name == base {
				ss.pendingMutex.Lock()
				ss.pending[role] = struct{}{}
				ss.pendingMutex.Unlock()
				return
			}
		}
	}
}
