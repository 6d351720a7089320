package crawler

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/imagehive/imagehive/internal/util"
)

const (
	categoryTitleLimit = 30
	filenameTitleLimit = 50
)

var nonWordRe = regexp.MustCompile(`[^\w\s]`)

// categoryFor derives an image's category from its origin page. It is a pure
// function of (pageURL, pageTitle, mode): the same inputs always produce the
// same category.
func categoryFor(pageURL *url.URL, pageTitle string, mode CategoryMode) string {
	switch mode {
	case CategoryByPath:
		if seg := util.FirstPathSegment(pageURL.Path); seg != "" {
			return seg
		}
		return "homepage"

	case CategoryByPage:
		title := strings.TrimSpace(pageTitle)
		if title == "" {
			return "untitled"
		}
		if runes := []rune(title); len(runes) > categoryTitleLimit {
			title = string(runes[:categoryTitleLimit])
		}
		title = nonWordRe.ReplaceAllString(title, "")
		if title = strings.TrimSpace(title); title != "" {
			return title
		}
		return "untitled"

	case CategoryByDomain:
		labels := strings.Split(pageURL.Hostname(), ".")
		if len(labels) > 2 {
			return labels[0]
		}
		return "main"
	}

	return "uncategorized"
}

// extensionOf returns the lowercased extension of a URL's final path segment,
// without the dot, or an empty string when there is none.
func extensionOf(u *url.URL) string {
	ext := path.Ext(u.Path)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// filenameFor picks a filename for an image: the URL's final path segment if
// it already carries an extension, otherwise one synthesised from the page
// title and a short content hash of the URL.
func filenameFor(imageURL *url.URL, pageTitle, ext string) string {
	base := path.Base(imageURL.Path)
	if base != "." && base != "/" && strings.Contains(base, ".") {
		return base
	}

	title := pageTitle
	if runes := []rune(title); len(runes) > filenameTitleLimit {
		title = string(runes[:filenameTitleLimit])
	}
	title = nonWordRe.ReplaceAllString(title, "_")
	title = strings.TrimSpace(title)
	if title == "" {
		title = "image"
	}

	digest := md5.Sum([]byte(imageURL.String()))
	hash := hex.EncodeToString(digest[:])[:8]

	if ext == "" {
		ext = "jpg"
	}
	return title + "_" + hash + "." + ext
}
