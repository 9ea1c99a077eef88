package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"archr/internal/builderr"
)

// Patch is a textual edit anchored on an exact run of upstream source. The
// anchor must occur exactly once in File.
type Patch struct {
	Name        string `yaml:"name"`
	File        string `yaml:"file"`
	Anchor      string `yaml:"anchor"`
	Replacement string `yaml:"replacement"`
}

const rendererFile = "es-core/src/renderers/Renderer_GL21.cpp"

// RendererPatches switch the desktop GL renderer to a GLES 2 context on KMS/DRM.
var RendererPatches = []Patch{
	{
		Name:   "gles context profile",
		File:   rendererFile,
		Anchor: "SDL_GL_SetAttribute(SDL_GL_CONTEXT_MAJOR_VERSION, 2);\n\t\tSDL_GL_SetAttribute(SDL_GL_CONTEXT_MINOR_VERSION, 1);",
		Replacement: "SDL_GL_SetAttribute(SDL_GL_CONTEXT_PROFILE_MASK, SDL_GL_CONTEXT_PROFILE_ES);\n" +
			"\t\tSDL_GL_SetAttribute(SDL_GL_CONTEXT_MAJOR_VERSION, 2);\n" +
			"\t\tSDL_GL_SetAttribute(SDL_GL_CONTEXT_MINOR_VERSION, 0);",
	},
	{
		Name:        "gles header",
		File:        rendererFile,
		Anchor:      "#include <SDL_opengl.h>",
		Replacement: "#include <SDL_opengles2.h>",
	},
	{
		Name:        "adaptive vsync fallback",
		File:        rendererFile,
		Anchor:      "SDL_GL_SetSwapInterval(1);",
		Replacement: "if(SDL_GL_SetSwapInterval(-1) != 0) SDL_GL_SetSwapInterval(1);",
	},
}

// ApplyPatches applies patches in order against files under dir. The first
// anchor that is missing or ambiguous stops the run with a PatchError; edits
// already written stay in place.
func ApplyPatches(dir string, patches []Patch) error {
	for _, p := range patches {
		path := filepath.Join(dir, filepath.FromSlash(p.File))
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("patch %q: %w", p.Name, err)
		}
		src := string(data)
		if n := strings.Count(src, p.Anchor); p.Anchor == "" || n != 1 {
			return &builderr.PatchError{Patch: p.Name, File: p.File, Matches: n}
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		out := strings.Replace(src, p.Anchor, p.Replacement, 1)
		if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
			return fmt.Errorf("patch %q: %w", p.Name, err)
		}
	}
	return nil
}

// LoadPatches reads every *.yaml file in dir, each holding a list of patches,
// in lexical file order. A missing dir yields nil.
func LoadPatches(dir string) ([]Patch, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var all []Patch
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		var ps []Patch
		if err := yaml.Unmarshal(data, &ps); err != nil {
			return nil, &builderr.ConfigurationError{Field: "patches", Message: f, Err: err}
		}
		for i, p := range ps {
			if p.Name == "" || p.File == "" || p.Anchor == "" {
				return nil, builderr.Configf("patches", "%s: entry %d needs name, file and anchor", f, i)
			}
		}
		all = append(all, ps...)
	}
	return all, nil
}
