package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// errorChain lists distinct messages from outermost to innermost, including the
// members of an errors.Join at the top level.
func errorChain(err error) []string {
	var out []string
	var prev string
	add := func(msg string) {
		if msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			if e != nil {
				add(e.Error())
			}
		}
	}
	return out
}

// chainLinks reports up to max links with their originating frame when known.
// The outermost link is always included.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func errorFrame(e error) (fn, file string, line int, ok bool) {
	switch v := e.(type) {
	case interface{ PC() uintptr }:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr.Function, fr.File, fr.Line, true
		}
	case interface{ StackPCs() []uintptr }:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function) {
				return fr.Function, fr.File, fr.Line, true
			}
			if !more {
				break
			}
		}
	}
	return "", "", 0, false
}

// classifyTypes returns the first non-wrapper type in the chain and the
// innermost type.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Pointer {
			u = u.Elem()
		}
		if strings.Contains(u.PkgPath(), "/internal/xerrors") {
			continue
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
