package extract

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder for DecodeConfig
	_ "image/jpeg" // register decoder for DecodeConfig
	_ "image/png"  // register decoder for DecodeConfig
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
)

// Extractor reads catalogue fields from a media file.
type Extractor interface {
	// Accept reports whether the extractor handles path when walking a
	// directory. Paths submitted directly are extracted regardless.
	Accept(path string) bool

	// Extract returns the record fields for path. The "location" field is
	// always set to path.
	Extract(path string) (map[string]string, error)
}

// Field names produced by the extractors.
const (
	FieldLocation = "location"
	FieldTitle    = "title"
	FieldArtist   = "artist"
	FieldAlbum    = "album"
	FieldComment  = "comment"
	FieldGenre    = "genre"
	FieldYear     = "year"
	FieldTrack    = "track"
	FieldSize     = "size"
	FieldModified = "modified"
	FieldWidth    = "width"
	FieldHeight   = "height"
)

var (
	audioExts = []string{".mp3", ".m4a", ".m4b", ".m4p", ".flac", ".ogg", ".oga", ".dsf"}
	videoExts = []string{".mp4", ".m4v", ".mkv", ".avi", ".mov", ".webm", ".mpg", ".mpeg"}
	imageExts = []string{".jpg", ".jpeg", ".png", ".gif"}
)

// TagExtractor reads embedded tags (ID3, MP4, FLAC, Ogg Vorbis) with
// github.com/dhowden/tag.
//
// Files without tags still yield a record: the title falls back to the file
// name without extension.
type TagExtractor struct {
	// Extensions limits Accept to these lowercase extensions (with dot).
	Extensions []string
}

func (e TagExtractor) Accept(path string) bool {
	return hasExt(path, e.Extensions)
}

func (e TagExtractor) Extract(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fields := map[string]string{FieldLocation: path}

	md, err := tag.ReadFrom(f)
	if errors.Is(err, tag.ErrNoTagsFound) {
		fields[FieldTitle] = baseTitle(path)
		return fields, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading tags: %w", err)
	}

	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fields[k] = v
		}
	}

	set(FieldTitle, md.Title())
	set(FieldArtist, md.Artist())
	set(FieldAlbum, md.Album())
	set(FieldComment, md.Comment())
	set(FieldGenre, md.Genre())

	if y := md.Year(); y > 0 {
		fields[FieldYear] = strconv.Itoa(y)
	}

	if n, _ := md.Track(); n > 0 {
		fields[FieldTrack] = strconv.Itoa(n)
	}

	if _, ok := fields[FieldTitle]; !ok {
		fields[FieldTitle] = baseTitle(path)
	}

	return fields, nil
}

// FileExtractor records filesystem facts: size, modification time and, for
// GIF, JPEG and PNG images, the pixel dimensions.
type FileExtractor struct {
	// Extensions limits Accept; nil accepts every file.
	Extensions []string
}

func (e FileExtractor) Accept(path string) bool {
	return e.Extensions == nil || hasExt(path, e.Extensions)
}

func (e FileExtractor) Extract(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}

	fields := map[string]string{
		FieldLocation: path,
		FieldTitle:    baseTitle(path),
		FieldSize:     strconv.FormatInt(info.Size(), 10),
		FieldModified: info.ModTime().UTC().Format(time.RFC3339),
	}

	if hasExt(path, imageExts) {
		if w, h, ok := imageSize(path); ok {
			fields[FieldWidth] = strconv.Itoa(w)
			fields[FieldHeight] = strconv.Itoa(h)
		}
	}

	return fields, nil
}

func imageSize(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}

	return cfg.Width, cfg.Height, true
}

// Chain tries each extractor that accepts a path, in order, until one
// succeeds.
type Chain []Extractor

func (c Chain) Accept(path string) bool {
	for _, e := range c {
		if e.Accept(path) {
			return true
		}
	}

	return false
}

func (c Chain) Extract(path string) (map[string]string, error) {
	var errs []error

	for _, e := range c {
		if !e.Accept(path) {
			continue
		}

		fields, err := e.Extract(path)
		if err == nil {
			return fields, nil
		}

		errs = append(errs, err)
	}

	if len(errs) == 0 && len(c) > 0 {
		return c[len(c)-1].Extract(path)
	}

	return nil, errors.Join(errs...)
}

// ForCatalogue returns the default extractor for a catalogue type.
func ForCatalogue(typ string) Extractor {
	switch typ {
	case "Music":
		return Chain{TagExtractor{Extensions: audioExts}, FileExtractor{Extensions: audioExts}}
	case "Videos", "TVShows", "MusicVideos":
		return Chain{TagExtractor{Extensions: []string{".mp4", ".m4v"}}, FileExtractor{Extensions: videoExts}}
	case "Pictures":
		return FileExtractor{Extensions: imageExts}
	default:
		return FileExtractor{}
	}
}

func hasExt(path string, exts []string) bool {
	return slices.Contains(exts, strings.ToLower(filepath.Ext(path)))
}

func baseTitle(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
