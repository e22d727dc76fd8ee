// Package classify decides which archive entries belong in a pack of a
// given category. Classification is a pure function of the category
// and the entry path.
package classify

import (
	"fmt"
	"path"
	"strings"
)

type (
	Category string
	Kind     string

	// Outcome is the result of classifying a single entry. When Accepted
	// is false, Reason describes why the entry was skipped.
	Outcome struct {
		Accepted bool
		Reason   string

		// Path is the cleaned entry path, relative to the archive root
		Path string
		// Ext is the lower-cased extension, without the leading dot
		Ext string
		// BaseName is the file name with its extension removed
		BaseName string
		Kind     Kind
	}
)

const (
	Overlay Category = "overlay"
	Sound   Category = "sound"
	LUT     Category = "lut"

	Image Kind = "image"
	Video Kind = "video"
	Audio Kind = "audio"
	Table Kind = "table"

	// TableFolder is the folder lookup-table files must live within
	// to be accepted (matched case-insensitively).
	TableFolder = "LUTs"

	shadowPrefix = "._"
	shadowFolder = "__MACOSX"
)

const (
	ReasonDirectory    = "directory entry"
	ReasonShadow       = "resource fork shadow file"
	ReasonUnsafePath   = "unsafe path"
	ReasonExtension    = "extension not allowed for category"
	ReasonTableOutside = "table file outside of " + TableFolder + " folder"
	ReasonHidden       = "hidden file"
)

var (
	videoExtensions = map[string]Kind{"mp4": Video, "mov": Video, "webm": Video, "m4v": Video}

	allowLists = map[Category]map[string]Kind{
		Overlay: merge(map[string]Kind{"png": Image, "jpg": Image, "jpeg": Image, "gif": Image, "webp": Image}, videoExtensions),
		Sound:   {"mp3": Audio, "wav": Audio, "aac": Audio, "m4a": Audio, "ogg": Audio, "flac": Audio, "aif": Audio, "aiff": Audio},
		LUT:     merge(map[string]Kind{"cube": Table}, videoExtensions),
	}

	folders = map[Category]string{
		Overlay: "overlays",
		Sound:   "sounds",
		LUT:     "luts",
	}
)

func merge(a, b map[string]Kind) map[string]Kind {
	out := make(map[string]Kind, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ParseCategory validates the category name provided.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := allowLists[c]; !ok {
		return "", fmt.Errorf("unknown pack category %q", s)
	}

	return c, nil
}

// Folder returns the storage folder used for artifacts of this category.
func (c Category) Folder() string { return folders[c] }

// Pairable reports whether entries of the given kind take part in
// before/after preview pairing for this category.
func (c Category) Pairable(k Kind) bool {
	switch c {
	case Overlay:
		return k == Image || k == Video
	case LUT:
		return k == Video
	default:
		return false
	}
}

// Extensions returns the allow-list for the category.
func (c Category) Extensions() map[string]Kind { return allowLists[c] }

func Skip(p, reason string) Outcome { return Outcome{Path: p, Reason: reason} }

// Classify returns the outcome for an entry of an archive being ingested
// in to a pack of the category provided.
func Classify(category Category, entryPath string, isDir bool) Outcome {
	if isDir || entryPath == "" || strings.HasSuffix(entryPath, "/") {
		return Skip(entryPath, ReasonDirectory)
	}

	segments := strings.Split(entryPath, "/")
	for _, seg := range segments {
		switch {
		case seg == "..", seg == ".", seg == "":
			return Skip(entryPath, ReasonUnsafePath)
		case strings.HasPrefix(seg, shadowPrefix), strings.EqualFold(seg, shadowFolder):
			return Skip(entryPath, ReasonShadow)
		}
	}

	name := segments[len(segments)-1]
	if strings.HasPrefix(name, ".") {
		return Skip(entryPath, ReasonHidden)
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	kind, ok := allowLists[category][ext]
	if !ok {
		return Skip(entryPath, ReasonExtension)
	}

	if kind == Table && !insideTableFolder(segments[:len(segments)-1]) {
		return Skip(entryPath, ReasonTableOutside)
	}

	return Outcome{
		Accepted: true,
		Path:     entryPath,
		Ext:      ext,
		BaseName: strings.TrimSuffix(name, path.Ext(name)),
		Kind:     kind,
	}
}

func insideTableFolder(dirs []string) bool {
	for _, d := range dirs {
		if strings.EqualFold(d, TableFolder) {
			return true
		}
	}
	return false
}
