package shell

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"
)

type builtinFunc func(hc interp.HandlerContext, args []string) error

var builtins = map[string]builtinFunc{
	"mv":    builtinMv,
	"rm":    builtinRm,
	"mkdir": builtinMkdir,
	"chmod": builtinChmod,
}

func resolve(hc interp.HandlerContext, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(hc.Dir, path)
}

// splitFlags separates leading short flags ("-rf") from the remaining arguments
func splitFlags(args []string) (map[rune]bool, []string) {
	flags := map[rune]bool{}
	for idx, arg := range args {
		if arg == "--" {
			return flags, args[idx+1:]
		}
		if len(arg) < 2 || arg[0] != '-' {
			return flags, args[idx:]
		}
		for _, r := range arg[1:] {
			flags[r] = true
		}
	}
	return flags, nil
}

func expandGlobs(hc interp.HandlerContext, args []string, allowMissing bool) ([]string, error) {
	items := []string{}
	for _, arg := range args {
		arg = resolve(hc, arg)
		if runtime.GOOS != "windows" || !strings.ContainsAny(arg, "*?[") {
			items = append(items, arg)
			continue
		}

		// cmd.exe style invocations don't expand globs for us
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}
		if matches == nil && !allowMissing {
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}
		items = append(items, matches...)
	}
	return items, nil
}

func builtinMv(hc interp.HandlerContext, args []string) error {
	_, args = splitFlags(args)
	if len(args) < 2 {
		return eris.New("mv: not enough parameters")
	}

	dest := resolve(hc, args[len(args)-1])
	items, err := expandGlobs(hc, args[:len(args)-1], false)
	if err != nil {
		return err
	}

	info, err := os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	destIsDir := err == nil && info.IsDir()

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		if err := os.Rename(item, itemDest); err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}
	return nil
}

func builtinRm(hc interp.HandlerContext, args []string) error {
	flags, args := splitFlags(args)
	recursive := flags['r'] || flags['R']
	force := flags['f']

	items, err := expandGlobs(hc, args, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}

		if err := os.RemoveAll(item); err != nil {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}
	return nil
}

func builtinMkdir(hc interp.HandlerContext, args []string) error {
	flags, args := splitFlags(args)

	for _, item := range args {
		item = resolve(hc, item)

		var err error
		if flags['p'] {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}
		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}
	return nil
}

func builtinChmod(hc interp.HandlerContext, args []string) error {
	if len(args) < 2 {
		return eris.New("chmod: not enough parameters")
	}
	if runtime.GOOS == "windows" {
		// permissions bits don't exist there
		return nil
	}

	mode := args[0]
	for _, item := range args[1:] {
		item = resolve(hc, item)
		info, err := os.Stat(item)
		if err != nil {
			return eris.Wrapf(err, "Failed to read permissions for %s", item)
		}

		var newMode os.FileMode
		switch mode {
		case "+x", "a+x":
			newMode = info.Mode() | 0111
		case "u+x":
			newMode = info.Mode() | 0100
		default:
			parsed, err := strconv.ParseUint(mode, 8, 32)
			if err != nil {
				return eris.Errorf("chmod: unsupported mode %s", mode)
			}
			newMode = os.FileMode(parsed)
		}

		if err := os.Chmod(item, newMode); err != nil {
			return eris.Wrapf(err, "Failed to change permissions of %s", item)
		}
	}
	return nil
}
